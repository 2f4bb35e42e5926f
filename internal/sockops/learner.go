package sockops

import (
	"fmt"

	"github.com/SkynetNext/sockops-binder/pkg/linux"
	"github.com/SkynetNext/sockops-binder/pkg/xlog"
)

// Learner infers which address each process speaks from.
type Learner struct {
	policy    Policy
	processes ProcessTable
}

func NewLearner(policy Policy, processes ProcessTable) *Learner {
	return &Learner{policy: policy, processes: processes}
}

// Classify decides which side of conn is the proxy and returns the address
// to remember for the owning process. It has no side effects.
func (l *Learner) Classify(conn Conn) (Classification, uint32) {
	if conn.LocalAddr == l.policy.UnresolvedAddr || conn.LocalAddr == conn.RemoteAddr {
		return AppToProxy, conn.RemoteAddr
	}
	return ProxyToProxy, conn.LocalAddr
}

// Learn records pid -> inferred address for an unclassified record.
// Already classified records are left alone and yield Unknown.
// Running Learn twice with the same input leaves the table unchanged.
func (l *Learner) Learn(rec OriginRecord, conn Conn) (Classification, Verdict, error) {
	if rec.State() == Classified {
		return Unknown, Allow, nil
	}

	class, addr := l.Classify(conn)
	if err := l.processes.Put(rec.PID, addr); err != nil {
		return class, Allow, tableError(TableProcesses, fmt.Errorf("update process %d address: %w", rec.PID, err))
	}
	if xlog.DebugEnabled() {
		debugSample.Do(func() {
			xlog.Debugf("detected process %d's ip is %s (%s)", rec.PID, linux.Linux2IP(addr), class)
		})
	}

	if class == AppToProxy && l.policy.ReconnectGuard && conn.RemotePort == l.policy.RedirectPort {
		xlog.Warnf("incorrect connection: cookie=%d tuple=%s", conn.Cookie, conn.Tuple())
		return class, Reset, nil
	}
	return class, Allow, nil
}
