package bridge

import (
	"context"

	"github.com/juju/errors"
	"github.com/temoto/sensorbridge/packet"
)

func (s *Server) isHubID(id uint8) bool { return int(id) < s.opt.HubIDBelow }

// dispatch routes one decoded frame from sess. raw is valid only during call.
func (s *Server) dispatch(sess *session, f packet.Frame, raw []byte, decodeErr error) {
	switch errors.Cause(decodeErr) {
	case nil:
	case packet.ErrFrameInvalid:
		s.stat.Invalid.Add(1)
		s.log.Errorf("%s skip %v", sess.String(), decodeErr)
		return
	case packet.ErrUnknownVariant:
		s.stat.Unknown.Add(1)
		if !f.Kind.Known() {
			// tolerated for forward compatible extension
			s.log.Debugf("%s drop %v", sess.String(), decodeErr)
			return
		}
		// unknown sensor kind is still routed by frame kind and id
	default:
		s.log.Errorf("code error decode err=%v", decodeErr)
		return
	}
	s.stat.Frames.Add(1)

	switch f.Kind {
	case packet.FrameHeartbeat:
		s.onHeartbeat(sess, f)
	case packet.FrameData:
		s.onData(f)
	case packet.FrameDashboardGet:
		s.onGet(sess, f, raw)
	case packet.FrameDashboardPost:
		s.onPost(f, raw)
	default:
		s.stat.Dropped.Add(1)
		s.log.Debugf("%s drop %s", sess.String(), f.String())
	}
}

func (s *Server) onHeartbeat(sess *session, f packet.Frame) {
	changed, err := s.reg.Register(int(f.ID), sess)
	if err != nil {
		s.log.Errorf("%s heartbeat %s err=%v", sess.String(), f.String(), err)
		return
	}
	if changed {
		s.log.Infof("slave registered id=%d sensor=%s %s", f.ID, f.Sensor, sess.String())
	}
}

// onData stores state first, then hands reading to processor.
func (s *Server) onData(f packet.Frame) {
	if err := s.reg.UpdateState(int(f.ID), f); err != nil {
		s.log.Errorf("update state %s err=%v", f.String(), err)
		return
	}
	s.proc.ProcessReading(s.ctx, f)
}

func (s *Server) onGet(sess *session, f packet.Frame, raw []byte) {
	var reply packet.Frame
	if s.isHubID(f.ID) {
		if s.hub == nil {
			s.stat.Dropped.Add(1)
			s.log.Errorf("%s get id=%d hub not configured", sess.String(), f.ID)
			return
		}
		ctx, cancel := context.WithTimeout(s.ctx, s.opt.RequestTimeout)
		var err error
		reply, err = s.hub.Request(ctx, raw, f.ID)
		cancel()
		if err != nil {
			s.stat.HubErrors.Add(1)
			s.log.Errorf("%s get id=%d err=%v", sess.String(), f.ID, err)
			return
		}
	} else {
		var err error
		if reply, err = s.reg.State(int(f.ID)); err != nil {
			s.log.Errorf("%s get id=%d err=%v", sess.String(), f.ID, err)
			return
		}
	}
	if _, err := sess.Write(reply.Bytes()); err != nil {
		s.stat.SendErrors.Add(1)
		s.log.Errorf("%s get reply err=%v", sess.String(), err)
	}
}

func (s *Server) onPost(f packet.Frame, raw []byte) {
	if err := s.post(f, raw); err != nil {
		s.log.Errorf("post %s err=%v", f.String(), err)
	}
}

// post forwards raw to hub or local slave.
// Local slave state is updated even when send failed.
func (s *Server) post(f packet.Frame, raw []byte) error {
	if s.isHubID(f.ID) {
		if s.hub == nil {
			s.stat.Dropped.Add(1)
			return errors.Errorf("id=%d hub not configured", f.ID)
		}
		if err := s.hub.SendRaw(raw); err != nil {
			s.stat.HubErrors.Add(1)
			return err
		}
		return nil
	}
	sendErr := s.reg.Send(int(f.ID), raw)
	if sendErr != nil {
		s.stat.SendErrors.Add(1)
	}
	state := f
	state.Kind = packet.FrameData
	if err := s.reg.UpdateState(int(f.ID), state); err != nil {
		return err
	}
	return sendErr
}

// Post routes frame as if it came from dashboard.
func (s *Server) Post(f packet.Frame) error {
	f.Kind = packet.FrameDashboardPost
	return s.post(f, f.Bytes())
}
