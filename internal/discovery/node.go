package discovery

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/SkynetNext/sockops-binder/pkg/linux"
)

const (
	namespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"
	tokenFile     = "/var/run/secrets/kubernetes.io/serviceaccount/token"
	localCacheTTL = 30 * time.Second
)

// Node identifies the node this daemon runs on.
type Node struct {
	Name      string `json:"node_name"`
	Pod       string `json:"pod_name,omitempty"`
	Namespace string `json:"namespace"`

	ipListFile string
	isLocal    func(ip, ipListFile string) bool
	now        func() time.Time

	mu    sync.Mutex
	cache map[uint32]localEntry
}

type localEntry struct {
	local   bool
	expires time.Time
}

// NewNode reads node identity from the downward API. ipListFile, when set,
// lists this node's addresses as CIDRs and takes precedence over the
// local interfaces.
func NewNode(ipListFile string) *Node {
	return &Node{
		Name:       GetNodeName(),
		Pod:        GetPodName(),
		Namespace:  namespace(),
		ipListFile: ipListFile,
		isLocal:    hasNodeIP,
		now:        time.Now,
		cache:      make(map[uint32]localEntry),
	}
}

// IsLocal reports whether addr, in kernel order, belongs to this node.
// Answers are cached briefly since they cost a file read or an interface walk.
func (n *Node) IsLocal(addr uint32) bool {
	now := n.now()

	n.mu.Lock()
	if e, ok := n.cache[addr]; ok && now.Before(e.expires) {
		n.mu.Unlock()
		return e.local
	}
	n.mu.Unlock()

	local := n.isLocal(linux.Linux2IP(addr), n.ipListFile)

	n.mu.Lock()
	n.cache[addr] = localEntry{local: local, expires: now.Add(localCacheTTL)}
	n.mu.Unlock()
	return local
}

// Refresh drops cached answers.
func (n *Node) Refresh() {
	n.mu.Lock()
	n.cache = make(map[uint32]localEntry)
	n.mu.Unlock()
}

func namespace() string {
	if ns := os.Getenv("POD_NAMESPACE"); ns != "" {
		return ns
	}
	if data, err := os.ReadFile(namespaceFile); err == nil {
		return strings.TrimSpace(string(data))
	}
	return "default"
}

// GetPodName returns the current Pod name (from K8s downward API)
func GetPodName() string {
	return os.Getenv("POD_NAME")
}

// GetNodeName returns the current Node name, falling back to the hostname.
func GetNodeName() string {
	if name := os.Getenv("NODE_NAME"); name != "" {
		return name
	}
	host, _ := os.Hostname()
	return host
}

// IsRunningInK8s checks if running in Kubernetes
func IsRunningInK8s() bool {
	_, err := os.Stat(tokenFile)
	return err == nil
}
