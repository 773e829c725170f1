package filesystem

// LocalDir is a backend rooted at a fixed directory on durable storage. The
// root is not assumed to stay present for the life of the process since it
// may live on removable or network storage, Available checks it every time.
type LocalDir struct {
	dirBackend
}

// NewLocalDir returns a LocalDir for root. The root is canonicalized first,
// relative roots resolve against the working directory.
func NewLocalDir(root string, denylist []string) (*LocalDir, error) {
	r, err := canonicalRoot(root)
	if err != nil {
		return nil, newFilesystemError(ErrCodeIo, err)
	}
	return &LocalDir{dirBackend: newDirBackend(KindLocal, r, denylist)}, nil
}

func (l *LocalDir) Name() string {
	return "local:" + l.root
}

var (
	_ Backend = (*LocalDir)(nil)
	_ Sizer   = (*LocalDir)(nil)
)
