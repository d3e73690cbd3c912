package internal

const (
	ManifestFileName = "renderbox.yaml"
	ManifestVersion  = 1

	LockFileName    = "renderbox-lock.yaml"
	LockFileVersion = 1

	DescriptorFileName = "renderbox-image.yaml"
	DescriptorVersion  = 1

	EnvFileName    = "renderbox.env"
	DockerfileName = "Dockerfile"

	SummaryVersion = 1
)

const (
	// DefaultPrefix is the install prefix inside every image when the manifest does not set one.
	DefaultPrefix = "/opt/app"

	// ContextRootDir is the directory inside a build context holding the installed tree.
	ContextRootDir = "root"
)
