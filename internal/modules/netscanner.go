package modules

// Network scanner module: nmap scans bound to the attack interface.

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/chaoslab/chaosbot/internal/logging"
)

// NetScanner runs nmap scans with randomized target order and intensity.
type NetScanner struct{}

func (s *NetScanner) Name() string { return "net_scanner" }

// SampleSize keeps port scans to a handful of hosts per segment.
func (s *NetScanner) SampleSize() int { return 5 }

func (s *NetScanner) Run(ctx context.Context, job Job) (Result, error) {
	mc := job.Cfg.Modules["net_scanner"]
	intensity := mc.Intensity
	if intensity == "" {
		intensity = "medium"
	}
	portList := mc.PortList
	if portList == "" {
		portList = "22,80,443,445,3389,8080,8443"
	}

	shuffled := shuffleTargets(job.Targets)
	scanType := pickScanType(intensity)

	var probes []Probe
	for _, target := range shuffled {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if !job.Budget.Allow(target.IP, "scan") {
			probes = append(probes, Probe{Target: target.IP, Action: scanType, Outcome: "budget_exhausted"})
			continue
		}

		job.Log.Info(logging.F{Module: "net_scanner", TargetIP: target.IP, SourceIP: job.Bind.SourceIP},
			"scanning %s (%s)", target.IP, scanType)

		if err := job.pace(ctx); err != nil {
			return Result{}, err
		}

		if job.DryRun {
			probes = append(probes, Probe{Target: target.IP, Action: scanType, Outcome: "dry-run"})
			continue
		}

		probe, err := s.scan(ctx, job, target.IP, scanType, portList)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			job.Log.Error(logging.F{Module: "net_scanner", TargetIP: target.IP},
				"scan failed for %s: %v", target.IP, err)
			probes = append(probes, Probe{Target: target.IP, Action: scanType, Outcome: "error: " + err.Error()})
			continue
		}
		probes = append(probes, probe)

		jitter(ctx, 500*time.Millisecond, 3*time.Second)
	}

	return Result{
		Status:  StatusSuccess,
		Summary: fmt.Sprintf("%s scan of %d targets", scanType, len(shuffled)),
		Probes:  probes,
	}, nil
}

func (s *NetScanner) scan(ctx context.Context, job Job, target, scanType, portList string) (Probe, error) {
	args := []string{"-S", job.Bind.SourceIP, "-e", job.Bind.Interface, "-p", portList}
	switch scanType {
	case "syn":
		args = append(args, "-sS")
	case "service":
		args = append(args, "-sS", "-sV")
	case "os":
		args = append(args, "-sS", "-sV", "-O")
	case "aggressive":
		args = append(args, "-A")
	case "arp":
		args = []string{"-S", job.Bind.SourceIP, "-e", job.Bind.Interface, "-sn", "-PR"}
	}
	args = append(args, target)

	res, err := job.Runner.Run(ctx, "nmap", args...)
	if err != nil {
		return Probe{}, err
	}

	hostsUp, openPorts := 0, 0
	for _, line := range strings.Split(res.Stdout, "\n") {
		if strings.Contains(line, "Host is up") {
			hostsUp++
		}
		if strings.Contains(line, "open") {
			openPorts++
		}
	}
	if job.Metrics != nil {
		job.Metrics.ScanHostsFound.Add(float64(hostsUp))
		job.Metrics.ScanPortsFound.Add(float64(openPorts))
	}

	return Probe{
		Target:  target,
		Action:  scanType,
		Outcome: fmt.Sprintf("hosts_up=%d open_ports=%d exit=%d", hostsUp, openPorts, res.ExitCode),
	}, nil
}

func pickScanType(intensity string) string {
	switch intensity {
	case "low":
		return "syn"
	case "high":
		return []string{"syn", "service", "aggressive", "arp"}[rand.Intn(4)]
	default:
		return []string{"syn", "service", "os"}[rand.Intn(3)]
	}
}
