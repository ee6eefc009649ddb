package fleet

type IdentityKind string

const (
	// IdentityOperator is the application default credential of whoever
	// runs the CLI.
	IdentityOperator IdentityKind = "operator"

	// IdentityServiceAccount is the account attached to the VM the CLI
	// runs on, issued by the metadata server.
	IdentityServiceAccount IdentityKind = "service-account"
)

// Identity is the principal whose credential signs control-plane calls.
type Identity struct {
	Kind    IdentityKind `json:"kind"`
	Email   string       `json:"email,omitempty"`
	Project string       `json:"project"`
	Zone    string       `json:"zone"`
}

func (i Identity) String() string {
	if i.Email == "" {
		return string(i.Kind)
	}
	return string(i.Kind) + ":" + i.Email
}
