package tracehdr

import (
	"testing"

	goerrors "errors"

	"github.com/kernelevent/tracehdr/internal/eventheader"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestErrorWrapsCause(t *testing.T) {
	cause := goerrors.New("boom")
	err := newError(KernelError, cause)

	require.Equal(t, KernelError, err.Kind)
	require.Equal(t, "KernelError: boom", err.Error())
	require.Equal(t, cause, errors.Cause(err))
}

func TestKindString(t *testing.T) {
	require.Equal(t, "PermissionDenied", PermissionDenied.String())
	require.Equal(t, "Unknown", Kind(999).String())
}

func TestClassifyEventHeaderError(t *testing.T) {
	cases := []struct {
		kind eventheader.ErrorKind
		want Kind
	}{
		{eventheader.ErrInvalidParameter, InvalidParameter},
		{eventheader.ErrNotSupported, NotSupported},
		{eventheader.ErrInvalidData, InvalidData},
		{eventheader.ErrImplementationLimit, ImplementationLimit},
		{eventheader.ErrStackOverflow, StackOverflow},
	}
	for _, c := range cases {
		got := classifyEventHeaderError(&eventheader.Error{Kind: c.kind})
		require.Equal(t, c.want, got)
	}
	require.Equal(t, InvalidData, classifyEventHeaderError(nil))
}
