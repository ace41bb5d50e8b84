package txn

import (
	"fmt"
	"sort"
	"strings"
)

// Mutation describes what a write operation changed, for commit scoping.
//
// Components mutate the working tree directly but never commit; they return
// a Mutation naming the touched repo-relative paths and the affected
// entities, and the Coordinator stages and commits exactly those paths.
type Mutation struct {
	// Summary is the first commit-message line, without the tool prefix.
	Summary string

	// Entities lists every affected sfid. Each one becomes a ::sfid::
	// token so external tooling can map commits to entities without
	// parsing diffs.
	Entities []string

	// Detail holds extra machine-parsable tokens, emitted as
	// ::sf-<key>::<value> lines in deterministic key order.
	Detail map[string]string

	// Paths are the repo-relative paths to stage. Directories stage
	// recursively.
	Paths []string
}

// CommitMessage renders the structured commit message: the prefixed summary
// line followed by one ::sfid:: token per entity and sorted detail tokens.
func (m *Mutation) CommitMessage() string {
	var b strings.Builder
	b.WriteString("[smallFactory] ")
	b.WriteString(m.Summary)
	for _, id := range m.Entities {
		fmt.Fprintf(&b, "\n::sfid::%s", id)
	}
	keys := make([]string, 0, len(m.Detail))
	for k := range m.Detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n::sf-%s::%s", k, m.Detail[k])
	}
	return b.String()
}
