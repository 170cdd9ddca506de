package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"tensorlink/core/transport"
)

type stubFactory struct {
	descriptor string
}

func (f *stubFactory) Name() string { return "stub" }
func (f *stubFactory) DomainDescriptor() string { return f.descriptor }
func (f *stubFactory) New(transport.Connection, Endpoint) Channel { return nil }
func (f *stubFactory) Close() {}
func (f *stubFactory) Join() {}

func TestCompatibleRequiresEqualDescriptors(t *testing.T) {
	f := &stubFactory{descriptor: "cma:boot-1/1000/1000"}
	assert.True(t, Compatible(f, "cma:boot-1/1000/1000"))
	assert.False(t, Compatible(f, "cma:boot-2/1000/1000"), "different boot means different machine")
	assert.False(t, Compatible(f, "cma:boot-1/0/0"), "different credentials must refuse")
}
