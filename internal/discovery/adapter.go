// Package discovery is the boundary to the service-discovery mechanism. The
// engine only consumes resolved descriptors and produces discovery events;
// how descriptors travel (QR payload, mDNS, manual entry) stays outside.
package discovery

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Descriptor locates a reachable session host on the local network.
type Descriptor struct {
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Token     string    `json:"token"`
	JoinCode  string    `json:"joinCode"`
	Timestamp time.Time `json:"timestamp"`
}

// Addr returns the host:port dial target.
func (d Descriptor) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// Event is the sealed set of discovery outcomes.
type Event interface {
	discoveryEvent()
}

// ServiceFound carries a resolved descriptor.
type ServiceFound struct {
	Descriptor Descriptor
}

func (ServiceFound) discoveryEvent() {}

// ResolveError reports a failed resolution.
type ResolveError struct {
	Message string
}

func (ResolveError) discoveryEvent() {}

// Timeout reports that resolution gave up.
type Timeout struct{}

func (Timeout) discoveryEvent() {}

// Resolver turns a shared join payload into discovery events.
type Resolver interface {
	Resolve(ctx context.Context, payload string) <-chan Event
}

// EncodePayload packs a descriptor into the join-code/QR payload form:
// base64(JSON(descriptor)).
func EncodePayload(d Descriptor) (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encode descriptor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodePayload unpacks a join payload into a descriptor.
func DecodePayload(payload string) (Descriptor, error) {
	data, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Descriptor{}, fmt.Errorf("decode payload: %w", err)
	}
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("decode descriptor: %w", err)
	}
	if d.Host == "" || d.Port <= 0 {
		return Descriptor{}, fmt.Errorf("descriptor missing host or port")
	}
	return d, nil
}

// PayloadResolver resolves descriptors embedded directly in the join payload.
type PayloadResolver struct {
	// Timeout bounds one Resolve call; zero means no limit.
	Timeout time.Duration
}

// Resolve emits exactly one event: ServiceFound, ResolveError, or Timeout.
func (r PayloadResolver) Resolve(ctx context.Context, payload string) <-chan Event {
	events := make(chan Event, 1)
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		go func() {
			defer cancel()
			events <- resolveOnce(ctx, payload)
		}()
		return events
	}
	go func() {
		events <- resolveOnce(ctx, payload)
	}()
	return events
}

func resolveOnce(ctx context.Context, payload string) Event {
	select {
	case <-ctx.Done():
		return Timeout{}
	default:
	}
	descriptor, err := DecodePayload(payload)
	if err != nil {
		return ResolveError{Message: err.Error()}
	}
	return ServiceFound{Descriptor: descriptor}
}
