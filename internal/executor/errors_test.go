package executor

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"perp-keeper/internal/protocol"
)

type fakeDataError struct {
	msg  string
	data interface{}
}

func (e *fakeDataError) Error() string          { return e.msg }
func (e *fakeDataError) ErrorData() interface{} { return e.data }

func TestClassify_SubstringMatching(t *testing.T) {
	cases := []struct {
		name    string
		message string
		want    ErrorKind
	}{
		{"order not active", "execution reverted: order not active", KindNonRetryable},
		{"uppercase", "EXECUTION REVERTED: ORDER NOT ACTIVE", KindNonRetryable},
		{"surrounded", "rpc error: VM Exception: Position Is Healthy (code=1)", KindNonRetryable},
		{"market paused", "market paused", KindNonRetryable},
		{"pool", "revert: pool not initialized", KindNonRetryable},
		{"missing role", "Missing Role for caller", KindNonRetryable},
		{"trigger", "trigger condition not met yet", KindNonRetryable},
		{"timeout", "context deadline exceeded", KindRetryable},
		{"network", "connection refused", KindRetryable},
		{"unknown revert", "execution reverted: something novel", KindRetryable},
		{"gas", "intrinsic gas too low", KindRetryable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(errors.New(tc.message))
			if got.Kind != tc.want {
				t.Errorf("Classify(%q).Kind = %v, want %v", tc.message, got.Kind, tc.want)
			}
		})
	}
}

func TestClassify_StructuredSelectorBeatsMessage(t *testing.T) {
	// 错误文本毫无信息量，但携带了 PositionHealthy() 的选择子，
	// 结构化匹配必须优先生效。
	def, ok := protocol.ABI().Errors["PositionHealthy"]
	if !ok {
		t.Fatalf("ABI missing PositionHealthy error definition")
	}

	err := &fakeDataError{
		msg:  "execution reverted",
		data: hexutil.Encode(def.ID[:4]),
	}

	got := Classify(err)
	if got.Kind != KindNonRetryable {
		t.Fatalf("expected non-retryable for structured selector, got %v", got.Kind)
	}
	if got.Message != "PositionHealthy" {
		t.Errorf("expected decoded error name, got %q", got.Message)
	}
}

func TestClassify_UnknownSelectorFallsBackToMessage(t *testing.T) {
	err := &fakeDataError{
		msg:  "execution reverted: order not active",
		data: "0xdeadbeef",
	}

	got := Classify(err)
	if got.Kind != KindNonRetryable {
		t.Fatalf("expected substring fallback to classify, got %v", got.Kind)
	}
}

func TestClassify_NilError(t *testing.T) {
	if got := Classify(nil); got.Kind != KindRetryable {
		t.Errorf("Classify(nil).Kind = %v, want retryable", got.Kind)
	}
}
