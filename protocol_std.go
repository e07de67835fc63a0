package brpc

import (
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// The native protocol: a msgpack metadata header followed by a msgpack body.
// Supports every connection discipline.

const ProtocolStd = "std"

type stdRequestHead struct {
	Method     string `msgpack:"method"`
	LogID      uint64 `msgpack:"log_id"`
	Credential string `msgpack:"credential,omitempty"`
}

type stdRequest struct {
	Head stdRequestHead `msgpack:"head"`
	Body []byte         `msgpack:"body"`
}

type stdResponse struct {
	ErrCode int32  `msgpack:"err_code"`
	ErrText string `msgpack:"err_text,omitempty"`
	Body    []byte `msgpack:"body"`
}

func stdSerializeRequest(cntl *Controller, request interface{}) ([]byte, error) {
	body, err := msgpack.Marshal(request)
	if err != nil {
		return nil, errors.Wrap(err, "marshal request")
	}
	return body, nil
}

func stdPackRequest(reqBuf []byte, cntl *Controller, cid CallId,
	method *MethodDescriptor, auth Authenticator) ([]byte, error) {
	head := stdRequestHead{LogID: cntl.LogID()}
	if method != nil {
		head.Method = method.FullName()
	}
	if auth != nil {
		cred, err := auth.GenerateCredential()
		if err != nil {
			return nil, errors.Wrap(err, "generate credential")
		}
		head.Credential = cred
	}
	return msgpack.Marshal(&stdRequest{Head: head, Body: reqBuf})
}

func stdUnpackResponse(payload []byte, cntl *Controller) error {
	var rsp stdResponse
	if err := msgpack.Unmarshal(payload, &rsp); err != nil {
		return errors.Wrap(err, "unmarshal response")
	}
	if rsp.ErrCode != 0 {
		// application error carried in the payload
		cntl.SetFailed(Errno(rsp.ErrCode), "%s", rsp.ErrText)
		return nil
	}
	if cntl.response == nil {
		return nil
	}
	if err := msgpack.Unmarshal(rsp.Body, cntl.response); err != nil {
		return errors.Wrap(err, "unmarshal response body")
	}
	return nil
}

func newStdProtocol() *Protocol {
	return &Protocol{
		Name:              ProtocolStd,
		SupportClient:     true,
		SupportedConnType: ConnTypeSingle | ConnTypePooled | ConnTypeShort,
		SerializeRequest:  stdSerializeRequest,
		PackRequest:       stdPackRequest,
		UnpackResponse:    stdUnpackResponse,
	}
}
