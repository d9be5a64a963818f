package capability

// Frame encodings.
const (
	EncodingGray8     = "gray8"
	EncodingRGB24     = "rgb24"
	EncodingZstdGray8 = "zstd+gray8"
	EncodingZstdRGB24 = "zstd+rgb24"
)

// Frame is one camera capture.
type Frame struct {
	Width    int    `cbor:"1,keyasint"`
	Height   int    `cbor:"2,keyasint"`
	Encoding string `cbor:"3,keyasint"`
	Pixels   []byte `cbor:"4,keyasint"`

	// Index counts frames produced by the sensor since it was opened.
	Index uint64 `cbor:"5,keyasint"`

	// Timestamp is the capture time in unix nanoseconds.
	Timestamp int64 `cbor:"6,keyasint"`
}

// BytesPerPixel returns the size of one raw pixel for the encoding.
func (f *Frame) BytesPerPixel() int {
	switch f.Encoding {
	case EncodingRGB24, EncodingZstdRGB24:
		return 3
	default:
		return 1
	}
}

// Vector is a three-axis sensor reading (gyroscope, accelerometer).
type Vector struct {
	X float64 `cbor:"1,keyasint"`
	Y float64 `cbor:"2,keyasint"`
	Z float64 `cbor:"3,keyasint"`
}

// LightReading is a photoresistor sample.
type LightReading struct {
	Millivolts float64 `cbor:"1,keyasint"`
	Ohms       float64 `cbor:"2,keyasint"`
}

// SafeThrottle bounds the throttle considered safe for a car.
type SafeThrottle struct {
	Min int `cbor:"1,keyasint"`
	Max int `cbor:"2,keyasint"`
}

// ButtonEvent is a push button press or release.
type ButtonEvent struct {
	Button  int  `cbor:"1,keyasint"`
	Pressed bool `cbor:"2,keyasint"`
}

// Resolution describes the camera output.
type Resolution struct {
	Width  int `cbor:"1,keyasint"`
	Height int `cbor:"2,keyasint"`
	FPS    int `cbor:"3,keyasint"`
}

// UplinkStatus reports the state of the cloud connection.
type UplinkStatus struct {
	Connected bool   `cbor:"1,keyasint"`
	Endpoint  string `cbor:"2,keyasint,omitempty"`
	Sent      uint64 `cbor:"3,keyasint"`
	Failed    uint64 `cbor:"4,keyasint"`
}

// PidState reports the steering loop configuration.
type PidState struct {
	Enabled       bool    `cbor:"1,keyasint"`
	Inverted      bool    `cbor:"2,keyasint"`
	Point         float64 `cbor:"3,keyasint"`
	P             float64 `cbor:"4,keyasint"`
	I             float64 `cbor:"5,keyasint"`
	D             float64 `cbor:"6,keyasint"`
	ErrorAccumMax float64 `cbor:"7,keyasint"`
}

// PowerEstimate is the remaining run time derived from a battery voltage.
type PowerEstimate struct {
	Minutes int `cbor:"1,keyasint"`
	Percent int `cbor:"2,keyasint"`
}
