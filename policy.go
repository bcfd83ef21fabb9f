package tlschan

type SecurityPolicy int

const (
	Domestic SecurityPolicy = iota
	Export
	France
)

func (p SecurityPolicy) String() string {
	switch p {
	case Domestic:
		return "domestic"
	case Export:
		return "export"
	case France:
		return "france"
	default:
		return "unknown"
	}
}

// SetSecurityPolicy has no effect. Cipher policy is left to crypto/tls.
func SetSecurityPolicy(policy SecurityPolicy) {
	switch policy {
	case Domestic:
	case Export:
	case France:
	}
}
