package main

import (
	"fmt"
	"log"

	brpc "github.com/FK2469/brpc"
)

type EchoRequest struct {
	Message string `msgpack:"message"`
}

type EchoResponse struct {
	Message string `msgpack:"message"`
}

func main() {
	opts := brpc.NewChannelOptions()
	opts.TimeoutMs = 500
	opts.BackupRequestMs = 50
	opts.MaxRetry = 2

	ch := brpc.NewChannel()
	if err := ch.Init("127.0.0.1:8000", opts); err != nil {
		log.Fatal(err)
	}
	defer ch.Close()

	method := &brpc.MethodDescriptor{ServiceName: "example.EchoService", MethodName: "Echo"}

	// synchronous call
	cntl := brpc.NewController()
	var rsp EchoResponse
	ch.CallMethod(method, cntl, &EchoRequest{Message: "hello"}, &rsp, nil)
	if cntl.Failed() {
		log.Fatalf("rpc failed: %v %s", cntl.ErrorCode(), cntl.ErrorText())
	}
	fmt.Printf("sync response from %s: %s (latency %dus)\n",
		cntl.RemoteSide(), rsp.Message, cntl.LatencyUs())

	// asynchronous call
	cntl2 := brpc.NewController()
	var rsp2 EchoResponse
	done := make(chan struct{})
	ch.CallMethod(method, cntl2, &EchoRequest{Message: "hello again"}, &rsp2, func() {
		if cntl2.Failed() {
			log.Printf("async rpc failed: %s", cntl2.ErrorText())
		} else {
			fmt.Printf("async response: %s\n", rsp2.Message)
		}
		close(done)
	})
	<-done

	// a channel over a discovered server set
	ch2 := brpc.NewChannel()
	if err := ch2.InitWithNaming("list://127.0.0.1:8000,127.0.0.1:8001", "round_robin", opts); err != nil {
		log.Fatal(err)
	}
	defer ch2.Close()
	cntl3 := brpc.NewController()
	var rsp3 EchoResponse
	ch2.CallMethod(method, cntl3, &EchoRequest{Message: "balanced"}, &rsp3, nil)
	if cntl3.Failed() {
		log.Fatalf("rpc failed: %s", cntl3.ErrorText())
	}
	fmt.Printf("balanced response: %s\n", rsp3.Message)
}
