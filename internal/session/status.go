package session

// Status describes an endpoint (guest client or host listener) for the
// control surface.
type Status struct {
	State     string `json:"state"`
	Addr      string `json:"addr"`
	Peer      *Info  `json:"peer,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
	Rejected  uint64 `json:"rejected,omitempty"`
	LastError string `json:"last_error,omitempty"`
}
