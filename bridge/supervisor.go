package bridge

import (
	"context"
	"time"

	"github.com/temoto/sensorbridge/packet"
)

// superviseHub reconnects lost hub link and drains unsolicited hub frames.
func (s *Server) superviseHub() {
	defer s.alive.Done()
	stopch := s.alive.StopChan()
	for {
		pending := s.hub.Pending()
		if pending == nil {
			s.hub.Drain(s.onHubFrame)
			continue
		}
		select {
		case <-stopch:
			return
		case <-pending:
			s.hub.Drain(s.onHubFrame)
		case <-s.hub.Lost():
			if !s.reconnectHub(stopch) {
				return
			}
		}
	}
}

func (s *Server) reconnectHub(stopch <-chan struct{}) bool {
	for {
		delay := s.backoff.DelayBefore()
		s.log.Debugf("hub reconnect delay=%s", delay)
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-stopch:
				return false
			}
		}
		if !s.alive.IsRunning() {
			return false
		}
		ctx, cancel := context.WithTimeout(s.ctx, s.opt.NetworkTimeout)
		err := s.hub.Connect(ctx)
		cancel()
		if err == nil {
			err = s.hub.Start()
		}
		s.backoff.Update(err == nil)
		if err == nil {
			return true
		}
		s.stat.HubErrors.Add(1)
		s.log.Errorf("hub reconnect err=%v", err)
	}
}

// onHubFrame handles hub traffic outside of request/reply.
// Hub sensor readings go same path as local DATA.
func (s *Server) onHubFrame(f packet.Frame) {
	s.stat.HubFrames.Add(1)
	if f.Kind != packet.FrameData || !f.Sensor.Known() {
		s.stat.Dropped.Add(1)
		s.log.Debugf("hub unsolicited drop %s", f.String())
		return
	}
	s.onData(f)
}
