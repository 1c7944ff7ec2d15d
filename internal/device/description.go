// Package device fetches and parses DIAL/UPnP device description documents.
package device

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"descfetch/internal/shared"
)

// MaxDescriptionSize is the largest description document accepted.
const MaxDescriptionSize = 256 << 10

// Description is the parsed device description plus the DIAL application URL.
type Description struct {
	DeviceType     string    `json:"device_type"`
	FriendlyName   string    `json:"friendly_name"`
	Manufacturer   string    `json:"manufacturer,omitempty"`
	ModelName      string    `json:"model_name,omitempty"`
	UniqueID       string    `json:"unique_id"`
	ApplicationURL string    `json:"application_url"`
	ConfigID       int       `json:"config_id,omitempty"`
	FetchedAt      time.Time `json:"fetched_at"`
}

type xmlRoot struct {
	XMLName  xml.Name `xml:"root"`
	ConfigID int      `xml:"configId,attr"`
	Device   struct {
		DeviceType   string `xml:"deviceType"`
		FriendlyName string `xml:"friendlyName"`
		Manufacturer string `xml:"manufacturer"`
		ModelName    string `xml:"modelName"`
		UDN          string `xml:"UDN"`
	} `xml:"device"`
}

func invalid(format string, args ...any) error {
	return shared.MarkKind(fmt.Errorf(format, args...), shared.KindValidation)
}

// Parse decodes a description document. appURL is the value of the
// Application-URL response header and is required.
func Parse(body []byte, appURL string) (Description, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return Description{}, invalid("device: empty description")
	}
	if len(body) > MaxDescriptionSize {
		return Description{}, invalid("device: description is %d bytes, limit %d", len(body), MaxDescriptionSize)
	}
	appURL = strings.TrimSpace(appURL)
	if appURL == "" {
		return Description{}, invalid("device: missing Application-URL")
	}

	var root xmlRoot
	if err := xml.Unmarshal(body, &root); err != nil {
		return Description{}, invalid("device: malformed description: %v", err)
	}
	d := root.Device
	desc := Description{
		DeviceType:     strings.TrimSpace(d.DeviceType),
		FriendlyName:   strings.TrimSpace(d.FriendlyName),
		Manufacturer:   strings.TrimSpace(d.Manufacturer),
		ModelName:      strings.TrimSpace(d.ModelName),
		UniqueID:       strings.TrimSpace(d.UDN),
		ApplicationURL: appURL,
		ConfigID:       root.ConfigID,
	}
	if desc.FriendlyName == "" {
		return Description{}, invalid("device: missing friendlyName")
	}
	if desc.UniqueID == "" {
		return Description{}, invalid("device: missing UDN")
	}
	return desc, nil
}
