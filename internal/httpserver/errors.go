package httpserver

const (
	ErrInvalidJSON      = "invalid json"
	ErrMissingID        = "missing id"
	ErrDependency       = "dependency error"
	ErrNotFound         = "not found"
	ErrInvalidSignature = "invalid signature"
	ErrInvalidToken     = "invalid verify token"
	ErrBodyTooLarge     = "body too large"
)
