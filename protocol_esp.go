package brpc

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// The esp protocol: a fixed binary head addressed by numeric command instead
// of a method descriptor. Pipelining on a pooled connection is not part of
// its framing, so only single and short connections are supported.

const ProtocolEsp = "esp"

// EspMessage is the request type esp callers pass to CallMethod.
type EspMessage struct {
	Command uint16
	Body    []byte
}

// EspResponse is the matching response sink.
type EspResponse struct {
	Code int16
	Body []byte
}

type espAuthenticator struct{}

func (espAuthenticator) GenerateCredential() (string, error) {
	return "", nil
}

var globalEspAuthenticator Authenticator = espAuthenticator{}

// GlobalEspAuthenticator is installed on esp channels whose options carry no
// authenticator.
func GlobalEspAuthenticator() Authenticator {
	return globalEspAuthenticator
}

func espSerializeRequest(cntl *Controller, request interface{}) ([]byte, error) {
	msg, ok := request.(*EspMessage)
	if !ok {
		return nil, errors.New("esp: request must be *EspMessage")
	}
	buf := bytes.NewBuffer(make([]byte, 0, 4+len(msg.Body)))
	if err := binary.Write(buf, binary.BigEndian, msg.Command); err != nil {
		return nil, err
	}
	buf.Write(msg.Body)
	return buf.Bytes(), nil
}

func espPackRequest(reqBuf []byte, cntl *Controller, cid CallId,
	method *MethodDescriptor, auth Authenticator) ([]byte, error) {
	var cred string
	if auth != nil {
		var err error
		if cred, err = auth.GenerateCredential(); err != nil {
			return nil, errors.Wrap(err, "generate credential")
		}
	}
	buf := bytes.NewBuffer(make([]byte, 0, 2+len(cred)+len(reqBuf)))
	if err := binary.Write(buf, binary.BigEndian, uint16(len(cred))); err != nil {
		return nil, err
	}
	buf.WriteString(cred)
	buf.Write(reqBuf)
	return buf.Bytes(), nil
}

func espGetMethodName(method *MethodDescriptor, cntl *Controller) string {
	return "esp"
}

func espUnpackResponse(payload []byte, cntl *Controller) error {
	if len(payload) < 2 {
		return errors.New("esp: response shorter than head")
	}
	code := int16(binary.BigEndian.Uint16(payload[:2]))
	rsp, ok := cntl.response.(*EspResponse)
	if !ok {
		return errors.New("esp: response sink must be *EspResponse")
	}
	rsp.Code = code
	rsp.Body = append(rsp.Body[:0], payload[2:]...)
	if code != 0 {
		cntl.SetFailed(ERESPONSE, "esp server returned code %d", code)
	}
	return nil
}

func newEspProtocol() *Protocol {
	return &Protocol{
		Name:              ProtocolEsp,
		SupportClient:     true,
		SupportedConnType: ConnTypeSingle | ConnTypeShort,
		SerializeRequest:  espSerializeRequest,
		PackRequest:       espPackRequest,
		GetMethodName:     espGetMethodName,
		UnpackResponse:    espUnpackResponse,
	}
}
