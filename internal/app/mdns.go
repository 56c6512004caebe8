package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_meterhub._tcp"
	mdnsDomain      = "local."
	defaultInstance = "Meterhub Server"
	defaultHost     = "meterhub"
)

func (a *App) startMDNS(port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d", port)
	}

	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = defaultHost
	}

	instance := sanitizeMDNSInstance(fmt.Sprintf("%s (%s)", defaultInstance, hostname))

	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, port, a.mdnsTXT(hostname), nil)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", "instance", instance, "port", port)
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

// mdnsTXT lists the records meters read to find the provisioning endpoint.
func (a *App) mdnsTXT(hostname string) []string {
	hostFQDN := sanitizeMDNSHost(hostname)
	if !strings.Contains(hostFQDN, ".") {
		hostFQDN += ".local"
	}

	txt := []string{
		fmt.Sprintf("http_port=%d", a.cfg.HTTPPort),
		"proto=v1",
		fmt.Sprintf("host=%s", hostFQDN),
	}
	if a.cfg.MQTTBroker != "" {
		txt = append(txt, fmt.Sprintf("mqtt_prefix=%s", strings.Trim(a.cfg.MQTTTopicPrefix, "/")))
	}
	return txt
}

func sanitizeMDNSInstance(name string) string {
	cleaned := strings.TrimSpace(name)
	cleaned = strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ").Replace(cleaned)
	if cleaned == "" {
		cleaned = defaultInstance
	}
	return truncateLabel(cleaned)
}

func sanitizeMDNSHost(name string) string {
	cleaned := strings.TrimSpace(strings.ToLower(name))
	cleaned = strings.NewReplacer(" ", "-", "_", "-", "\n", "", "\r", "").Replace(cleaned)
	if cleaned == "" {
		cleaned = defaultHost
	}
	return truncateLabel(cleaned)
}

// truncateLabel caps a DNS label at 63 characters.
func truncateLabel(s string) string {
	const maxLen = 63
	runes := []rune(s)
	if len(runes) > maxLen {
		return string(runes[:maxLen])
	}
	return s
}
