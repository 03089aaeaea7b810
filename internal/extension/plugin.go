package extension

import (
	"errors"

	"hopflow/internal/registry"
)

// Plugin is an extension registered in the plugin registry. It is attached
// to the point it names.
type Plugin interface {
	Handler
	PointID() string
}

// Attach instantiates every extension plugin in reg and subscribes it. The
// returned function detaches them all.
func Attach(b *Bus, reg *registry.Registry) (detach func(), err error) {
	var unsubs []func()
	detach = func() {
		for _, u := range unsubs {
			u()
		}
	}
	for _, d := range reg.FindAll(registry.CategoryExtension) {
		inst, err := reg.Instantiate(d)
		if err != nil {
			detach()
			return func() {}, err
		}
		p, ok := inst.(Plugin)
		if !ok {
			detach()
			return func() {}, errors.New("extension: " + d.ID + " is not an extension plugin")
		}
		unsubs = append(unsubs, b.Subscribe(p.PointID(), p))
	}
	return detach, nil
}
