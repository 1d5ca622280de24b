package spot

// StatusKind is the outcome of a spot request status check.
type StatusKind int

const (
	// StatusPending means the request has not been fulfilled yet.
	StatusPending StatusKind = iota
	// StatusActive means the request is fulfilled and an instance is attached.
	StatusActive
	// StatusFailure means the request is closed, cancelled, failed or gone.
	StatusFailure
)

func (k StatusKind) String() string {
	switch k {
	case StatusActive:
		return "active"
	case StatusFailure:
		return "failure"
	default:
		return "pending"
	}
}

// Status is the result of GetSpotRequestStatus. InstanceID is only set when
// Kind is StatusActive. State carries the raw provider state, or "not-found"
// when the request no longer exists.
type Status struct {
	Kind       StatusKind
	InstanceID string
	State      string
}

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s.Kind == StatusActive || s.Kind == StatusFailure
}

// String returns the instance id for active requests, "pending" or "failure"
// otherwise.
func (s Status) String() string {
	if s.Kind == StatusActive {
		return s.InstanceID
	}
	return s.Kind.String()
}

// SoftFailure marks an expected submit failure the caller should retry later.
type SoftFailure string

const (
	// MaxSpotInstanceCountExceeded means the account spot instance limit is hit.
	MaxSpotInstanceCountExceeded SoftFailure = codeMaxSpotInstanceCountExceeded
)

// SubmitResult is the result of SubmitSpotRequest. Exactly one of RequestID
// and SoftFailure is set.
type SubmitResult struct {
	RequestID   string
	SoftFailure SoftFailure
}

// Submitted reports whether a spot request was created.
func (r SubmitResult) Submitted() bool {
	return r.SoftFailure == "" && r.RequestID != ""
}
