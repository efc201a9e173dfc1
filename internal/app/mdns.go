package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_trapwatch._tcp"
	mdnsDomain      = "local."
	mdnsMaxLabel    = 63
)

// startMDNS announces the embedded broker so gateways can find it without
// static configuration.
func (a *App) startMDNS(port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d", port)
	}

	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "trapwatch"
	}

	instance := sanitizeMDNSInstance(fmt.Sprintf("trapwatch (%s)", hostname))
	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, port, a.mdnsTXT(port, hostname), nil)
	if err != nil {
		return err
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", "instance", instance, "service", mdnsServiceType, "port", port)
	return nil
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}

	a.mdns.Shutdown()
	a.logger.Info("mDNS advertisement stopped")
	a.mdns = nil
}

// mdnsTXT lists what a gateway needs to publish advertisements here.
func (a *App) mdnsTXT(port int, hostname string) []string {
	hostFQDN := sanitizeMDNSHost(hostname)
	if !strings.Contains(hostFQDN, ".") {
		hostFQDN += ".local"
	}

	return []string{
		fmt.Sprintf("mqtt_port=%d", port),
		fmt.Sprintf("http_port=%d", a.cfg.HTTPPort),
		fmt.Sprintf("adv_topic=%s/+/advertisements", strings.TrimSuffix(a.cfg.AdvTopicPrefix, "/")),
		fmt.Sprintf("vendor_id=0x%04x", a.cfg.VendorID),
		"proto=v1",
		fmt.Sprintf("host=%s", hostFQDN),
	}
}

func sanitizeMDNSInstance(name string) string {
	replacer := strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ")
	cleaned := strings.TrimSpace(replacer.Replace(name))
	if cleaned == "" {
		cleaned = "trapwatch"
	}
	return truncateString(cleaned, mdnsMaxLabel)
}

func sanitizeMDNSHost(name string) string {
	replacer := strings.NewReplacer(" ", "-", "_", "-", "\n", "", "\r", "")
	cleaned := replacer.Replace(strings.TrimSpace(strings.ToLower(name)))
	if cleaned == "" {
		cleaned = "trapwatch"
	}
	return truncateString(cleaned, mdnsMaxLabel)
}
