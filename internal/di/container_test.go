// internal/di/container_test.go
package di

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type greeter interface{ Greet() string }

type english struct{}

func (english) Greet() string { return "hello" }

func TestContainerRegisterAndResolve(t *testing.T) {
	c := NewContainer()
	c.Register("greeter", english{})

	g, err := Resolve[greeter](c, "greeter")
	require.NoError(t, err)
	assert.Equal(t, "hello", g.Greet())

	_, err = Resolve[*Container](c, "greeter")
	assert.Error(t, err)

	_, err = Resolve[greeter](c, "missing")
	assert.Error(t, err)
}

func TestContainerOptional(t *testing.T) {
	c := NewContainer()
	assert.Nil(t, ResolveOptional[greeter](c, "greeter"))

	c.Register("greeter", english{})
	assert.NotNil(t, ResolveOptional[greeter](c, "greeter"))
}

func TestContainerNamesSorted(t *testing.T) {
	c := NewContainer()
	c.Register("b", 1)
	c.Register("a", 2)
	assert.Equal(t, []string{"a", "b"}, c.GetNames())
	assert.True(t, c.Has("a"))

	c.Clear()
	assert.Empty(t, c.GetNames())
}
