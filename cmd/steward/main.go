// Command steward is a terminal AI assistant that plans, previews and
// applies workspace changes behind a safety gate.
package main

// Set via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	Execute(version, commit, date)
}
