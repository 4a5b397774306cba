package queue

import (
	"testing"

	"github.com/gogpu/rendergraph/resource"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		caps     Capabilities
		in       Type
		want     Type
		fallback bool
	}{
		{"graphics always", Capabilities{}, Graphics, Graphics, false},
		{"compute present", Capabilities{AsyncCompute: true}, Compute, Compute, false},
		{"compute missing", Capabilities{AsyncTransfer: true}, Compute, Graphics, true},
		{"transfer present", Capabilities{AsyncTransfer: true}, Transfer, Transfer, false},
		{"transfer missing", Capabilities{AsyncCompute: true}, Transfer, Graphics, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, fb := tt.caps.Resolve(tt.in)
			if got != tt.want || fb != tt.fallback {
				t.Errorf("Resolve(%s) = (%s, %v), want (%s, %v)", tt.in, got, fb, tt.want, tt.fallback)
			}
		})
	}
}

func TestSupports(t *testing.T) {
	tests := []struct {
		q    Type
		u    resource.Usage
		want bool
	}{
		{Graphics, resource.UsageDepthStencilAttachment, true},
		{Graphics, resource.UsagePresent, true},
		{Compute, resource.UsageShaderStorage, true},
		{Compute, resource.UsageIndirectBuffer, true},
		{Compute, resource.UsageColorAttachment, false},
		{Compute, resource.UsageVertexBuffer, false},
		{Transfer, resource.UsageTransferDst, true},
		{Transfer, resource.UsageDepthStencilAttachment, false},
		{Transfer, resource.UsageShaderSample, false},
		{None, resource.UsageTransferSrc, false},
	}
	for _, tt := range tests {
		if got := Supports(tt.q, tt.u); got != tt.want {
			t.Errorf("Supports(%s, %s) = %v, want %v", tt.q, tt.u, got, tt.want)
		}
	}
}

func TestPreference(t *testing.T) {
	if Any.Pinned() || Any.Type() != None {
		t.Error("Any must not be pinned")
	}
	for p, want := range map[Preference]Type{
		PreferGraphics: Graphics,
		PreferCompute:  Compute,
		PreferTransfer: Transfer,
	} {
		if !p.Pinned() || p.Type() != want {
			t.Errorf("%s: Type() = %s, want %s", p, p.Type(), want)
		}
		if want.Index() < 0 || All[want.Index()] != want {
			t.Errorf("Index() of %s is not dense", want)
		}
	}
	if None.Index() != -1 {
		t.Errorf("None.Index() = %d, want -1", None.Index())
	}
}
