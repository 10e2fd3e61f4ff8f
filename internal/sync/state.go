package sync

// Reason explains why a file is scheduled for download
type Reason string

const (
	// ReasonNew marks an entry absent from the previously cached manifest
	ReasonNew Reason = "new"
	// ReasonChanged marks an entry whose content hash differs
	ReasonChanged Reason = "changed"
	// ReasonMissing marks an entry whose hash matches but whose file is gone
	ReasonMissing Reason = "missing"
)

// Kind distinguishes patch files from resources
type Kind string

const (
	KindPatch    Kind = "patch"
	KindResource Kind = "resource"
)

// Plan represents the downloads a repository sync will perform
type Plan struct {
	Patches   []FileOp
	Resources []FileOp
}

// Len returns the number of planned downloads
func (p *Plan) Len() int {
	return len(p.Patches) + len(p.Resources)
}

// FileOp represents a single file download
type FileOp struct {
	Kind     Kind
	Name     string // patch title or resource filename, for logging
	URL      string // remote location
	DestPath string // absolute path in the local cache
	Hash     string // content hash declared by the new manifest
	Reason   Reason
}

// Report summarizes the outcome of syncing one repository
type Report struct {
	Repo       string
	UUID       string
	Downloaded []FileOp
	Failed     []FileOp
	Err        error // set when the repository was skipped entirely
}
