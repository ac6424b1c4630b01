package container

import "fmt"

// Prefix identifies cmux-managed containers.
const Prefix = "cmux-"

// Container-side ports. Host ports are assigned dynamically at create time.
const (
	IDEPort       = 39378
	WorkerPort    = 39377
	ExtensionPort = 39376
)

// ShortID returns the deterministic 12-char prefix of a run id used in
// container names.
func ShortID(runID string) string {
	if len(runID) > 12 {
		return runID[:12]
	}
	return runID
}

// Name returns the container name for a run: cmux-<shortId>.
func Name(runID string) string {
	return Prefix + ShortID(runID)
}

// WorkspaceVolume returns the named volume holding /workspaces content.
func WorkspaceVolume(runID string) string {
	return fmt.Sprintf("cmux_session_%s_workspace", runID)
}

// IDEVolume returns the named volume holding IDE state.
func IDEVolume(runID string) string {
	return fmt.Sprintf("cmux_session_%s_ide", runID)
}
