package routeros

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/wavenet/access-control-plane/internal/model"
	"github.com/wavenet/access-control-plane/internal/rate"
)

const (
	defaultPriority  = 8
	defaultBurstTime = "8s/8s"
)

// PrepareQueue runs every rate-bearing field through the rate codec and
// enforces queue invariants before anything is sent to a router. When a
// burst limit is set without a threshold, the threshold is computed as three
// quarters of the max limit.
func PrepareQueue(q model.Queue) (model.Queue, error) {
	out := q
	out.Name = strings.TrimSpace(q.Name)
	out.Target = strings.TrimSpace(q.Target)
	if out.Name == "" {
		return model.Queue{}, &model.ValidationError{Field: "name", Reason: "is required"}
	}
	target, err := normalizeTarget(out.Target)
	if err != nil {
		return model.Queue{}, err
	}
	out.Target = target

	maxUp, maxDown, err := rate.DecodeCompositeField("max-limit", q.MaxLimit)
	if err != nil {
		return model.Queue{}, err
	}
	out.MaxLimit = rate.EncodeComposite(maxUp, maxDown)

	if out.Priority == 0 {
		out.Priority = defaultPriority
	}
	if out.Priority < 1 || out.Priority > 8 {
		return model.Queue{}, &model.ValidationError{Field: "priority", Reason: fmt.Sprintf("must be 1-8, got %d", out.Priority)}
	}

	if strings.TrimSpace(q.BurstLimit) == "" {
		if strings.TrimSpace(q.BurstThreshold) != "" {
			return model.Queue{}, &model.ValidationError{Field: "burst-threshold", Reason: "requires burst-limit"}
		}
		out.BurstLimit, out.BurstThreshold, out.BurstTime = "", "", ""
		return out, nil
	}

	burstUp, burstDown, err := rate.DecodeCompositeField("burst-limit", q.BurstLimit)
	if err != nil {
		return model.Queue{}, err
	}
	out.BurstLimit = rate.EncodeComposite(burstUp, burstDown)

	thrUp, thrDown := maxUp*3/4, maxDown*3/4
	if strings.TrimSpace(q.BurstThreshold) != "" {
		thrUp, thrDown, err = rate.DecodeCompositeField("burst-threshold", q.BurstThreshold)
		if err != nil {
			return model.Queue{}, err
		}
	}
	if thrUp > burstUp || thrDown > burstDown {
		return model.Queue{}, &model.ValidationError{Field: "burst-threshold", Reason: "exceeds burst-limit"}
	}
	if thrUp > maxUp || thrDown > maxDown {
		return model.Queue{}, &model.ValidationError{Field: "burst-threshold", Reason: "exceeds max-limit"}
	}
	out.BurstThreshold = rate.EncodeComposite(thrUp, thrDown)

	out.BurstTime = defaultBurstTime
	if strings.TrimSpace(q.BurstTime) != "" {
		out.BurstTime, err = normalizeBurstTime(q.BurstTime)
		if err != nil {
			return model.Queue{}, err
		}
	}
	return out, nil
}

// pppServices are the /ppp/secret services whose sessions come up as a
// dynamic "<service-name>" interface.
var pppServices = map[string]bool{"pppoe": true, "pptp": true, "l2tp": true, "ovpn": true, "sstp": true}

// SessionTarget is the queue target for a subscriber logged in as username
// through service. It names the dynamic interface the router creates for the
// session, so the queue follows the subscriber across reconnects and address
// changes. Service "any" or empty is taken as PPPoE.
func SessionTarget(service, username string) string {
	service = strings.ToLower(strings.TrimSpace(service))
	if !pppServices[service] {
		service = "pppoe"
	}
	return "<" + service + "-" + username + ">"
}

// normalizeTarget accepts a comma separated list of addresses, subnets and
// interface names. Bare addresses gain a host prefix length. MAC addresses
// are rejected: simple queues cannot match on them.
func normalizeTarget(target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", &model.ValidationError{Field: "target", Reason: "is required"}
	}
	parts := strings.Split(target, ",")
	for i, part := range parts {
		part = strings.TrimSpace(part)
		switch {
		case part == "":
			return "", &model.ValidationError{Field: "target", Reason: "empty entry in " + strconv.Quote(target)}
		case strings.HasPrefix(part, "<") && strings.HasSuffix(part, ">"):
		case net.ParseIP(part) != nil:
			ip := net.ParseIP(part)
			if ip.To4() != nil {
				part = ip.String() + "/32"
			} else {
				part = ip.String() + "/128"
			}
		default:
			if _, ipnet, err := net.ParseCIDR(part); err == nil {
				part = ipnet.String()
				break
			}
			if _, err := net.ParseMAC(part); err == nil {
				return "", &model.ValidationError{Field: "target", Reason: strconv.Quote(part) + " is a MAC address, expected an address, subnet or interface"}
			}
			if strings.ContainsAny(part, ":/ ") {
				return "", &model.ValidationError{Field: "target", Reason: "malformed entry " + strconv.Quote(part)}
			}
		}
		parts[i] = part
	}
	return strings.Join(parts, ","), nil
}

// normalizeBurstTime accepts "10", "10s" or "10s/20s" and renders seconds
// as an explicit pair.
func normalizeBurstTime(s string) (string, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) > 2 {
		return "", &model.ValidationError{Field: "burst-time", Reason: "expected upload/download"}
	}
	secs := make([]int, 0, 2)
	for _, p := range parts {
		p = strings.TrimSuffix(strings.TrimSpace(p), "s")
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return "", &model.ValidationError{Field: "burst-time", Reason: "malformed " + strconv.Quote(s)}
		}
		secs = append(secs, n)
	}
	if len(secs) == 1 {
		secs = append(secs, secs[0])
	}
	return fmt.Sprintf("%ds/%ds", secs[0], secs[1]), nil
}

func priorityComposite(p int) string {
	return strconv.Itoa(p) + "/" + strconv.Itoa(p)
}

// parsePriority reads RouterOS "u/d" priority, keeping the upload side.
func parsePriority(s string) int {
	first, _, _ := strings.Cut(strings.TrimSpace(s), "/")
	n, err := strconv.Atoi(first)
	if err != nil {
		return 0
	}
	return n
}
