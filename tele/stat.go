package tele

import (
	"expvar"
	"fmt"
)

type Stat struct {
	Queued expvar.Int
	Sent   expvar.Int
	Errors expvar.Int
}

func (s *Stat) String() string {
	return fmt.Sprintf(`{"queued":%d,"sent":%d,"errors":%d}`, s.Queued.Value(), s.Sent.Value(), s.Errors.Value())
}
