package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "hopflow/internal/errors"
)

type greeter interface{ Greet() string }

type english struct{}

func (english) Greet() string { return "hello" }

type mute struct{}

func TestRegister_DuplicateIDFails(t *testing.T) {
	r := New()
	require.NoError(t, Register(r, Descriptor{ID: "local", Category: CategoryPipelineEngine}, func() (english, error) { return english{}, nil }))

	err := Register(r, Descriptor{ID: "local", Category: CategoryPipelineEngine}, func() (english, error) { return english{}, nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"local"`)
	assert.Len(t, r.FindAll(CategoryPipelineEngine), 1)
}

func TestRegister_ChecksCategoryContract(t *testing.T) {
	r := New()
	Declare[greeter](r, CategoryTransform)

	err := Register(r, Descriptor{ID: "mute", Category: CategoryTransform}, func() (*mute, error) { return &mute{}, nil })
	require.Error(t, err)
	_, found := r.Find("mute")
	assert.False(t, found)

	require.NoError(t, Register(r, Descriptor{ID: "en", Category: CategoryTransform}, func() (english, error) { return english{}, nil }))
}

func TestFindAll_RegistrationOrderAndCategoryFilter(t *testing.T) {
	r := New()
	ids := []string{"zeta", "alpha", "mid"}
	for _, id := range ids {
		MustRegister(r, Descriptor{ID: id, Category: CategoryPipelineEngine}, func() (english, error) { return english{}, nil })
	}
	MustRegister(r, Descriptor{ID: "other", Category: CategoryAction}, func() (english, error) { return english{}, nil })

	var got []string
	for _, d := range r.FindAll(CategoryPipelineEngine) {
		got = append(got, d.ID)
	}
	assert.Equal(t, ids, got)
	assert.Empty(t, r.FindAll(CategoryExtension))
}

func TestFind_IsCaseSensitive(t *testing.T) {
	r := New()
	MustRegister(r, Descriptor{ID: "Local", Category: CategoryPipelineEngine, Tags: []string{"loops"}}, func() (english, error) { return english{}, nil })

	_, ok := r.Find("local")
	assert.False(t, ok)

	d, ok := r.Find("Local")
	require.True(t, ok)
	assert.Equal(t, "Local", d.Name)
	assert.True(t, d.HasTag("loops"))

	d.Tags[0] = "mutated"
	again, _ := r.Find("Local")
	assert.Equal(t, []string{"loops"}, again.Tags)
}

func TestInstantiate_FailuresArePluginLoadErrors(t *testing.T) {
	r := New()
	MustRegister(r, Descriptor{ID: "broken"}, func() (*english, error) { return nil, errors.New("missing dependency") })
	MustRegister(r, Descriptor{ID: "panicky"}, func() (*english, error) { panic("incompatible version") })
	MustRegister(r, Descriptor{ID: "nil"}, func() (*english, error) { return nil, nil })

	for _, id := range []string{"broken", "panicky", "nil", "absent"} {
		t.Run(id, func(t *testing.T) {
			_, err := r.Instantiate(Descriptor{ID: id})
			require.ErrorIs(t, err, errs.ErrPluginLoad)
			assert.Equal(t, id, errs.SubjectOf(err))
		})
	}
}

func TestInstantiateAs(t *testing.T) {
	r := New()
	MustRegister(r, Descriptor{ID: "en"}, func() (english, error) { return english{}, nil })
	MustRegister(r, Descriptor{ID: "mute"}, func() (*mute, error) { return &mute{}, nil })

	g, d, err := InstantiateAs[greeter](r, "en")
	require.NoError(t, err)
	assert.Equal(t, "hello", g.Greet())
	assert.Equal(t, "en", d.ID)

	_, _, err = InstantiateAs[greeter](r, "mute")
	assert.ErrorIs(t, err, errs.ErrPluginLoad)
}
