package pipeline

// Kind is the variant of a Node.
type Kind int

const (
	KindEntry Kind = iota
	KindExit
	KindInference
	KindCustom
)

func (k Kind) String() string {
	switch k {
	case KindEntry:
		return "entry"
	case KindExit:
		return "exit"
	case KindInference:
		return "inference"
	case KindCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// Reserved node names.
const (
	EntryName = "request"
	ExitName  = "response"
)
