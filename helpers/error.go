package helpers

import (
	"io"
	"net"
	"strings"

	"github.com/juju/errors"
)

// FoldErrors joins non-nil errors into one, nil if nothing left.
func FoldErrors(errs []error) error {
	ss := make([]string, 0, len(errs))
	for _, e := range errs {
		if e != nil {
			ss = append(ss, e.Error())
		}
	}
	switch len(ss) {
	case 0:
		return nil
	case 1:
		for _, e := range errs {
			if e != nil {
				return e
			}
		}
	}
	return errors.New(strings.Join(ss, "\n"))
}

// NetErrorString shortens well known network errors for easier log reading.
func NetErrorString(e error) string {
	if e == nil {
		return ""
	}
	cause := errors.Cause(e)
	if cause == io.EOF {
		return "closed by remote"
	}
	if neterr, ok := cause.(net.Error); ok && neterr.Timeout() {
		return "timeout"
	}
	estr := e.Error()
	switch {
	case strings.HasSuffix(estr, "i/o timeout"):
		return "timeout"
	case strings.HasSuffix(estr, "connection reset by peer"):
		return "closed by remote"
	case strings.HasSuffix(estr, "use of closed network connection"):
		return "closed"
	}
	return estr
}
