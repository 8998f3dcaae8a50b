package amqp

import (
	"encoding/json"

	"github.com/dihedron/iotdevice/transport"
)

type twinPayload struct {
	Desired  map[string]interface{} `json:"desired"`
	Reported map[string]interface{} `json:"reported"`
	Version  int                    `json:"version"`
}

func unmarshalTwin(body []byte, doc *transport.TwinDocument) error {
	var raw twinPayload
	if len(body) > 0 {
		if err := json.Unmarshal(body, &raw); err != nil {
			return err
		}
	}
	doc.DesiredProperties = raw.Desired
	doc.ReportedProperties = raw.Reported
	doc.Version = raw.Version
	return nil
}

func marshalTwinPatch(patch map[string]interface{}) ([]byte, error) {
	return json.Marshal(patch)
}

func unmarshalUpdateResponse(body []byte, resp *transport.UpdateResponse) error {
	var raw struct {
		Version int `json:"version"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &raw); err != nil {
			return err
		}
	}
	resp.Version = raw.Version
	return nil
}

func unmarshalTwinUpdate(body []byte, update *transport.TwinPropertyUpdate) error {
	var props map[string]interface{}
	if err := json.Unmarshal(body, &props); err != nil {
		return err
	}
	version := 0
	if v, ok := props["$version"]; ok {
		if f, ok := v.(float64); ok {
			version = int(f)
		}
		delete(props, "$version")
	}
	update.Properties = props
	update.Version = version
	return nil
}
