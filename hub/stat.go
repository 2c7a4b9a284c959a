package hub

import (
	"expvar"
	"fmt"
)

// Values are read and modified atomically, but not consistently.
type Stat struct {
	Connects  expvar.Int
	Frames    expvar.Int
	RecvBytes expvar.Int
	SendBytes expvar.Int
	Discarded expvar.Int // request replies for other id, queue overflow
	Invalid   expvar.Int
	Unknown   expvar.Int
}

func (s *Stat) String() string {
	return fmt.Sprintf(`{"connects":%d,"frames":%d,"recv_bytes":%d,"send_bytes":%d,"discarded":%d,"invalid":%d,"unknown":%d}`,
		s.Connects.Value(), s.Frames.Value(), s.RecvBytes.Value(), s.SendBytes.Value(),
		s.Discarded.Value(), s.Invalid.Value(), s.Unknown.Value())
}
