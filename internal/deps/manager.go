package deps

import (
	"fmt"
	"strings"
)

// Manager turns a package set into the shell commands of one OS package manager.
type Manager interface {
	Name() string
	// Install returns the commands that install pkgs, in order. An empty set
	// needs no commands.
	Install(pkgs Set) []string
}

// ManagerFor returns the manager registered under name.
func ManagerFor(name string) (Manager, error) {
	switch name {
	case "", "apt":
		return apt{}, nil
	case "apk":
		return apk{}, nil
	case "dnf":
		return dnf{}, nil
	}
	return nil, fmt.Errorf("unknown package manager %q", name)
}

type apt struct{}

func (apt) Name() string { return "apt" }

func (apt) Install(pkgs Set) []string {
	if len(pkgs) == 0 {
		return nil
	}
	return []string{
		"apt-get update",
		"DEBIAN_FRONTEND=noninteractive apt-get install -y --no-install-recommends " + strings.Join(pkgs, " "),
		"rm -rf /var/lib/apt/lists/*",
	}
}

type apk struct{}

func (apk) Name() string { return "apk" }

func (apk) Install(pkgs Set) []string {
	if len(pkgs) == 0 {
		return nil
	}
	return []string{"apk add --no-cache " + strings.Join(pkgs, " ")}
}

type dnf struct{}

func (dnf) Name() string { return "dnf" }

func (dnf) Install(pkgs Set) []string {
	if len(pkgs) == 0 {
		return nil
	}
	return []string{
		"dnf install -y --setopt=install_weak_deps=False " + strings.Join(pkgs, " "),
		"dnf clean all",
	}
}
