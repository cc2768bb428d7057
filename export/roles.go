package export

// Role is the part a graph input plays for a causal language model.
type Role int

const (
	RoleUnknown Role = iota
	RoleTokens
	RoleAttentionMask
	RoleTokenTypes
	RolePositions
)

func (r Role) String() string {
	switch r {
	case RoleTokens:
		return "tokens"
	case RoleAttentionMask:
		return "attention_mask"
	case RoleTokenTypes:
		return "token_type_ids"
	case RolePositions:
		return "position_ids"
	default:
		return "unknown"
	}
}

// Auxiliary reports whether inputs of this role can be derived from the token ids.
func (r Role) Auxiliary() bool {
	return r == RoleAttentionMask || r == RoleTokenTypes || r == RolePositions
}

// RoleOf classifies a graph input by its conventional HuggingFace name.
func RoleOf(name string) Role {
	switch name {
	case "input_ids", "input", "tokens", "token_ids":
		return RoleTokens
	case "attention_mask":
		return RoleAttentionMask
	case "token_type_ids":
		return RoleTokenTypes
	case "position_ids":
		return RolePositions
	default:
		return RoleUnknown
	}
}
