package helpers

import (
	"io"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
)

func TestFoldErrors(t *testing.T) {
	t.Parallel()
	e1 := errors.New("hub down")
	assert.NoError(t, FoldErrors(nil))
	assert.NoError(t, FoldErrors([]error{nil, nil}))
	assert.Equal(t, e1, FoldErrors([]error{nil, e1}))
	assert.EqualError(t, FoldErrors([]error{e1, errors.New("50%d")}), "hub down\n50%d")
}

func TestNetErrorString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "", NetErrorString(nil))
	assert.Equal(t, "closed by remote", NetErrorString(errors.Annotate(io.EOF, "read")))
	assert.Equal(t, "closed", NetErrorString(errors.New("read tcp 127.0.0.1:5000: use of closed network connection")))
	assert.Equal(t, "other", NetErrorString(errors.New("other")))
}
