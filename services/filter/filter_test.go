package filter_test

import (
	"net"
	"os"
	"reflect"
	"testing"

	"github.com/nfcgate/relayd/services/dispatch"
	"github.com/nfcgate/relayd/services/eventlog"
	"github.com/nfcgate/relayd/services/filter"
	"github.com/nfcgate/relayd/services/overseer"
	"github.com/nfcgate/relayd/services/settings"
)

func TestMain(m *testing.M) {
	tempdir, err := os.MkdirTemp("", "filter_test")
	if err != nil {
		os.Exit(1)
	}
	defer os.RemoveAll(tempdir)

	os.Setenv("NFCGATE_LOG_DIR", tempdir)
	os.Setenv("NFCGATE_LOG_BYTES", "none")

	settings.Startup()
	overseer.Startup()
	eventlog.Startup()
	dispatch.Startup()
	filter.Startup()

	filter.Register("upper", func(logf filter.LogFunc, payload []byte, state map[string]interface{}) [][]byte {
		upper := make([]byte, len(payload))
		for i, b := range payload {
			if b >= 'a' && b <= 'z' {
				b -= 'a' - 'A'
			}
			upper[i] = b
		}
		return [][]byte{upper}
	})
	filter.Register("drop", func(logf filter.LogFunc, payload []byte, state map[string]interface{}) [][]byte {
		return nil
	})
	filter.Register("split", func(logf filter.LogFunc, payload []byte, state map[string]interface{}) [][]byte {
		return [][]byte{payload, payload}
	})
	filter.Register("panic", func(logf filter.LogFunc, payload []byte, state map[string]interface{}) [][]byte {
		panic("boom")
	})

	os.Exit(m.Run())
}

func testClient(t *testing.T) *dispatch.Client {
	t.Helper()
	server, remote := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		remote.Close()
	})
	return dispatch.NewClient(server)
}

func asStrings(payloads [][]byte) []string {
	out := make([]string, 0, len(payloads))
	for _, p := range payloads {
		out = append(out, string(p))
	}
	return out
}

func TestSetChainUnknown(t *testing.T) {
	unknown := filter.SetChain([]string{"upper", "bogus", "also_bogus"})
	if want := []string{"bogus", "also_bogus"}; !reflect.DeepEqual(unknown, want) {
		t.Errorf("SetChain() unknown = %v, want %v", unknown, want)
	}

	// known names still made it into the chain
	if names := filter.ChainNames(); !reflect.DeepEqual(names, []string{"upper"}) {
		t.Errorf("ChainNames() = %v, want [upper]", names)
	}
}

func TestRunTransform(t *testing.T) {
	if unknown := filter.SetChain([]string{"upper"}); unknown != nil {
		t.Fatalf("SetChain() unknown = %v", unknown)
	}

	got := filter.Run(testClient(t), [][]byte{[]byte("abc")})
	if want := []string{"ABC"}; !reflect.DeepEqual(asStrings(got), want) {
		t.Errorf("Run() = %v, want %v", asStrings(got), want)
	}
}

func TestRunFirstElementOnly(t *testing.T) {
	if unknown := filter.SetChain([]string{"upper"}); unknown != nil {
		t.Fatalf("SetChain() unknown = %v", unknown)
	}

	got := filter.Run(testClient(t), [][]byte{[]byte("abc"), []byte("def")})
	if want := []string{"ABC", "def"}; !reflect.DeepEqual(asStrings(got), want) {
		t.Errorf("Run() = %v, want %v", asStrings(got), want)
	}
}

func TestRunDrop(t *testing.T) {
	if unknown := filter.SetChain([]string{"drop"}); unknown != nil {
		t.Fatalf("SetChain() unknown = %v", unknown)
	}

	if got := filter.Run(testClient(t), [][]byte{[]byte("abc")}); len(got) != 0 {
		t.Errorf("Run() = %v, want empty", asStrings(got))
	}

	// only the first element is dropped
	got := filter.Run(testClient(t), [][]byte{[]byte("abc"), []byte("def")})
	if want := []string{"def"}; !reflect.DeepEqual(asStrings(got), want) {
		t.Errorf("Run() = %v, want %v", asStrings(got), want)
	}
}

func TestRunExpandThenTransform(t *testing.T) {
	if unknown := filter.SetChain([]string{"split", "upper"}); unknown != nil {
		t.Fatalf("SetChain() unknown = %v", unknown)
	}

	got := filter.Run(testClient(t), [][]byte{[]byte("ab")})
	if want := []string{"AB", "ab"}; !reflect.DeepEqual(asStrings(got), want) {
		t.Errorf("Run() = %v, want %v", asStrings(got), want)
	}
}

func TestRunPanicRecovery(t *testing.T) {
	if unknown := filter.SetChain([]string{"panic", "upper"}); unknown != nil {
		t.Fatalf("SetChain() unknown = %v", unknown)
	}

	got := filter.Run(testClient(t), [][]byte{[]byte("ab")})
	if want := []string{"AB"}; !reflect.DeepEqual(asStrings(got), want) {
		t.Errorf("Run() = %v, want %v", asStrings(got), want)
	}
}

func TestRunEmptyChain(t *testing.T) {
	if unknown := filter.SetChain(nil); unknown != nil {
		t.Fatalf("SetChain() unknown = %v", unknown)
	}

	got := filter.Run(testClient(t), [][]byte{[]byte("ab")})
	if want := []string{"ab"}; !reflect.DeepEqual(asStrings(got), want) {
		t.Errorf("Run() = %v, want %v", asStrings(got), want)
	}
}
