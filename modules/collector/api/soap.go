package api

import (
	"encoding/xml"

	"github.com/pkg/errors"
)

// The appliance SOAP endpoints this collector targets speak SOAP 1.1
// with a JSON payload inside the body element; the envelope is fixed
// boilerplate on both directions.

func soapEnvelope(body string) []byte {
	var buf []byte
	buf = append(buf, `<?xml version="1.0" encoding="utf-8"?>`...)
	buf = append(buf, `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body>`...)
	esc := make([]byte, 0, len(body))
	escBuf := &escWriter{out: &esc}
	_ = xml.EscapeText(escBuf, []byte(body))
	buf = append(buf, esc...)
	buf = append(buf, `</soap:Body></soap:Envelope>`...)
	return buf
}

type escWriter struct{ out *[]byte }

func (w *escWriter) Write(p []byte) (int, error) {
	*w.out = append(*w.out, p...)
	return len(p), nil
}

type soapResponse struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		Inner string `xml:",chardata"`
		Fault *struct {
			Code   string `xml:"faultcode"`
			Reason string `xml:"faultstring"`
		} `xml:"Fault"`
	} `xml:"Body"`
}

// unwrapSOAP extracts the JSON payload carried in a response envelope's
// body, surfacing a SOAP fault as a table error.
func unwrapSOAP(raw []byte) ([]byte, error) {
	var env soapResponse
	if err := xml.Unmarshal(raw, &env); err != nil {
		return nil, errors.Wrap(err, "api: decode soap envelope")
	}
	if env.Body.Fault != nil {
		return nil, errors.Errorf("api: soap fault %s: %s", env.Body.Fault.Code, env.Body.Fault.Reason)
	}
	return []byte(env.Body.Inner), nil
}
