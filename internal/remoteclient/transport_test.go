package remoteclient

import (
	"testing"
	"time"
)

func TestNewTransportNilResolver(t *testing.T) {
	t.Parallel()

	tr := NewTransport(nil)

	if tr.MaxIdleConnsPerHost != 100 {
		t.Errorf("MaxIdleConnsPerHost = %d, want 100", tr.MaxIdleConnsPerHost)
	}
	if tr.MaxConnsPerHost != 200 {
		t.Errorf("MaxConnsPerHost = %d, want 200", tr.MaxConnsPerHost)
	}
	if tr.IdleConnTimeout != 90*time.Second {
		t.Errorf("IdleConnTimeout = %v, want 90s", tr.IdleConnTimeout)
	}
	if tr.DialContext != nil {
		t.Error("DialContext should be nil when resolver is nil")
	}
}
