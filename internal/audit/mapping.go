package audit

import (
	"strings"
	"unicode"
)

// ActionResource holds action and resource derived from a proxied XRPC method.
type ActionResource struct {
	Action   string
	Resource string
}

// applyWrites batches record writes; audit it as a write on records.
const repoApplyWrites = "com.atproto.repo.applyWrites"

var verbs = []string{"get", "list", "create", "put", "delete", "upload", "update", "describe", "search", "query", "apply"}

// ParseXRPCMethod returns action and resource for an XRPC method NSID (e.g.
// com.atproto.repo.createRecord -> create/record). The action is the leading lower-case verb of
// the method name; the resource is the rest of it, or the namespace's last segment when the name
// is a bare verb.
func ParseXRPCMethod(nsid string) ActionResource {
	nsid = strings.Trim(nsid, "/")
	if nsid == repoApplyWrites {
		return ActionResource{Action: "write", Resource: "record"}
	}
	dot := strings.LastIndex(nsid, ".")
	if dot < 0 || dot == len(nsid)-1 {
		return ActionResource{Action: "unknown", Resource: "unknown"}
	}
	method := nsid[dot+1:]
	namespace := nsid[:dot]
	nsResource := namespace[strings.LastIndex(namespace, ".")+1:]
	for _, v := range verbs {
		if !strings.HasPrefix(method, v) {
			continue
		}
		rest := method[len(v):]
		if rest == "" {
			return ActionResource{Action: v, Resource: nsResource}
		}
		if unicode.IsUpper(rune(rest[0])) {
			return ActionResource{Action: v, Resource: lowerFirst(rest)}
		}
	}
	return ActionResource{Action: strings.ToLower(method), Resource: nsResource}
}

func lowerFirst(s string) string {
	return strings.ToLower(s[:1]) + s[1:]
}
