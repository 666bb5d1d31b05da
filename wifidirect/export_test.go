package wifidirect

// DropDataPlane closes every data plane connection and leaves the group
// formed
func (s *Session) DropDataPlane() {
	s.mu.Lock()
	link := s.link
	s.mu.Unlock()
	if link != nil {
		link.DisconnectAll()
	}
}
