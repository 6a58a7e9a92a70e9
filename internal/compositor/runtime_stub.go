//go:build !govips || !cgo

package compositor

func Startup() error {
	return nil
}

func Shutdown() {}

func newCodec() (Codec, error) {
	return stdCodec{}, nil
}
