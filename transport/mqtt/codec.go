package mqtt

import (
	"encoding/json"

	"github.com/dihedron/iotdevice/transport"
)

type twinGetPayload struct {
	Desired  map[string]interface{} `json:"desired"`
	Reported map[string]interface{} `json:"reported"`
}

func unmarshalTwin(payload []byte, doc *transport.TwinDocument) error {
	var raw twinGetPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &raw); err != nil {
			return err
		}
	}
	doc.DesiredProperties = raw.Desired
	doc.ReportedProperties = raw.Reported
	return nil
}

func marshalTwinPatch(patch map[string]interface{}) ([]byte, error) {
	return json.Marshal(patch)
}

func unmarshalTwinUpdate(payload []byte, update *transport.TwinPropertyUpdate) error {
	var props map[string]interface{}
	if err := json.Unmarshal(payload, &props); err != nil {
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
