package store

// Key prefixes of archived stores
const (
	prefixHeader byte = iota + 1
	prefixEntry
)

// PrefixToString converts a prefix byte to a string
func PrefixToString(p byte) string {
	switch p {
	case prefixHeader:
		return "header"
	case prefixEntry:
		return "entry"
	default:
		return "unknown"
	}
}

// makeKey prefix, archive name and a zero separator, followed by suffix
func makeKey(prefix byte, name string, suffix []byte) []byte {
	key := make([]byte, 0, 2+len(name)+len(suffix))
	key = append(key, prefix)
	key = append(key, name...)
	key = append(key, 0)
	return append(key, suffix...)
}
