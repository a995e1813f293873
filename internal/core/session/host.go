package session

// IsHost reports whether identity owns s. Both must be known.
func IsHost(identity string, s *Session) bool {
	if s == nil || identity == "" {
		return false
	}
	return identity == s.OwnerID
}
