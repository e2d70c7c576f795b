package hostprobe

import (
	"bufio"
	"os"
	"os/exec"
	"strings"

	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/types"
)

// InitSystem is the capability object a Probe constructs once at
// startup. It knows how to restart a named service on this host;
// callers never branch on a distro string.
type InitSystem interface {
	// Name identifies the init system for logging and for the host
	// descriptor surfaced by self_test().
	Name() string
	// Restart restarts the named service, classifying the outcome.
	Restart(name string) (types.RestartResult, error)
}

// Probe holds the process-wide, read-only descriptor computed at
// startup and the init-system capability used to carry out restarts.
type Probe struct {
	descriptor types.HostDescriptor
	init       InitSystem
}

// New detects the host once and returns a ready-to-use Probe.
func New() *Probe {
	descriptor, init := detect()
	return &Probe{descriptor: descriptor, init: init}
}

// Descriptor returns the process-wide host descriptor computed at
// construction time. It never changes for the life of the process.
func (p *Probe) Descriptor() types.HostDescriptor {
	return p.descriptor
}

// detect reads /etc/os-release and checks for well-known binaries to
// build the host descriptor and pick an init-system capability.
func detect() (types.HostDescriptor, InitSystem) {
	family, version := parseOSRelease("/etc/os-release")

	var initSys InitSystem
	var initName string
	switch {
	case binaryExists("systemctl"):
		initSys = systemdInit{}
		initName = "systemd"
	case binaryExists("rc-service"):
		initSys = openrcInit{}
		initName = "openrc"
	case binaryExists("service"):
		initSys = sysvInit{}
		initName = "sysvinit"
	default:
		initSys = unknownInit{}
		initName = "unknown"
	}

	networkManager := "none"
	switch {
	case binaryExists("nmcli"):
		networkManager = "NetworkManager"
	case binaryExists("netplan"):
		networkManager = "netplan"
	case fileExists("/etc/network/interfaces"):
		networkManager = "ifupdown"
	}

	firewall := "none"
	switch {
	case binaryExists("nft"):
		firewall = "nftables"
	case binaryExists("iptables"):
		firewall = "iptables"
	case binaryExists("firewall-cmd"):
		firewall = "firewalld"
	case binaryExists("ufw"):
		firewall = "ufw"
	}

	pkgManager := "unknown"
	switch {
	case binaryExists("apt-get"):
		pkgManager = "apt"
	case binaryExists("dnf"):
		pkgManager = "dnf"
	case binaryExists("yum"):
		pkgManager = "yum"
	case binaryExists("apk"):
		pkgManager = "apk"
	case binaryExists("zypper"):
		pkgManager = "zypper"
	}

	return types.HostDescriptor{
		DistroFamily:   family,
		DistroVersion:  version,
		InitSystem:     initName,
		NetworkManager: networkManager,
		FirewallSystem: firewall,
		PackageManager: pkgManager,
	}, initSys
}

// parseOSRelease reads the ID and VERSION_ID fields from an os-release
// style file. Missing fields or a missing file yield "unknown" rather
// than an error, since detection must never block startup.
func parseOSRelease(path string) (family, version string) {
	family, version = "unknown", "unknown"

	f, err := os.Open(path)
	if err != nil {
		return family, version
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"`)
		switch key {
		case "ID":
			if value != "" {
				family = value
			}
		case "VERSION_ID":
			if value != "" {
				version = value
			}
		}
	}
	return family, version
}

func binaryExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
