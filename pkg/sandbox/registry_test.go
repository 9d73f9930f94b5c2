package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()

	err := r.Register(Registration{
		Type:  Type("custom"),
		Kind:  KindContainer,
		Image: "example/custom:latest",
	})
	require.NoError(t, err)

	reg, err := r.Get(Type("custom"))
	require.NoError(t, err)
	assert.Equal(t, "example/custom:latest", reg.Image)
	assert.Equal(t, KindContainer, reg.Kind)
	assert.Equal(t, DefaultDeployTimeout, reg.Timeout)
}

func TestRegistryUnknownType(t *testing.T) {
	r := NewRegistry()

	_, err := r.Get(Type("nope"))
	require.Error(t, err)

	var unknownErr *UnknownTypeError
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, Type("nope"), unknownErr.Type)
}

func TestRegistryDuplicateRegistration(t *testing.T) {
	r := NewRegistry()

	first := Registration{Type: Type("dup"), Kind: KindContainer, Image: "example/a:1"}
	require.NoError(t, r.Register(first))

	// Identical definition is tolerated.
	require.NoError(t, r.Register(first))

	// Conflicting definition is rejected and the original survives.
	err := r.Register(Registration{Type: Type("dup"), Kind: KindContainer, Image: "example/b:2"})
	var dupErr *DuplicateRegistrationError
	require.ErrorAs(t, err, &dupErr)

	reg, err := r.Get(Type("dup"))
	require.NoError(t, err)
	assert.Equal(t, "example/a:1", reg.Image)
}

func TestRegistryCloudNeedsFactory(t *testing.T) {
	r := NewRegistry()

	err := r.Register(Registration{Type: Type("cloudy"), Kind: KindCloud})
	var confErr *ConfigurationError
	require.ErrorAs(t, err, &confErr)

	require.NoError(t, r.Register(Registration{
		Type: Type("cloudy"),
		Kind: KindCloud,
		NewCloud: func(ctx context.Context) (Sandbox, error) {
			return nil, nil
		},
	}))
}

func TestRegistryEmptyTypeRejected(t *testing.T) {
	r := NewRegistry()
	err := r.Register(Registration{Kind: KindContainer, Image: "example/x:1"})
	require.Error(t, err)
}

func TestRegistryIsolation(t *testing.T) {
	a := NewRegistry()
	b := NewRegistry()

	require.NoError(t, a.Register(Registration{Type: Type("only-a"), Image: "example/a:1"}))

	_, err := b.Get(Type("only-a"))
	require.Error(t, err)
	assert.Empty(t, b.Types())
}

func TestRegistryTypesSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.Register(Registration{Type: Type(name), Image: "example/" + name}))
	}
	assert.Equal(t, []Type{"alpha", "mid", "zeta"}, r.Types())
}

func TestBuiltinTypesRegistered(t *testing.T) {
	for _, typ := range []Type{TypeBase, TypeFilesystem, TypeBrowser} {
		reg, err := DefaultRegistry.Get(typ)
		require.NoError(t, err)
		assert.Equal(t, KindContainer, reg.Kind)
		assert.NotEmpty(t, reg.Image)
		assert.True(t, reg.AcceptsMCP)
	}

	browser, err := DefaultRegistry.Get(TypeBrowser)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, browser.Timeout)
}
