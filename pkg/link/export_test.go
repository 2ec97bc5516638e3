package link

import "io"

// SetRand overrides the randomness source for code generation.
func (s *Service) SetRand(r io.Reader) { s.rand = r }
