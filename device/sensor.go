package device

// Sensor is the driver contract a concrete sensor type must implement
//: attribute access plus a measurement decoder. Concrete
// drivers live in the sensors package and are resolved through a registry
// keyed by (vendor, product) read from configuration page 0.
type Sensor interface {
	ID() int
	Name() string
	Attrs() map[string]*Attribute
	GetAttr(name string) (interface{}, error)
	SetAttr(name string, value interface{}) error
	Decoder() Decoder
}

// Decoder turns a fixed-size measurement record into decoded component
// values, and carries the scheduling parameters that place each record in
// the reassembled data stream.
type Decoder interface {
	// Update recomputes Offset/Interval/RecordBytes from the sensor's
	// current attribute values; called once per measurement start, after
	// the series header has fully arrived.
	Update()
	Offset() int64
	Interval() int64
	RecordBytes() int
	Decode(sample []byte) []float64
}

// BaseSensor implements the generic attribute bookkeeping every concrete
// sensor driver embeds (grounded on
// device/iris/sensor/base.py's Sensor class). Concrete drivers in the
// sensors package embed BaseSensor and add type-specific attributes.
type BaseSensor struct {
	Dev   *Device
	SID   int
	SName string
	attrs map[string]*Attribute
}

// NewBaseSensor builds the generic attribute set shared by every sensor
// type: hardware identity, data-format identity and measurement schedule.
func NewBaseSensor(dev *Device, id int, name string) BaseSensor {
	return BaseSensor{
		Dev:   dev,
		SID:   id,
		SName: name,
		attrs: map[string]*Attribute{
			"vendor":           {Page: 0, Offset: 0, Width: 4},
			"product":          {Page: 0, Offset: 4, Width: 4},
			"serial":           {Page: 0, Offset: 8, Width: 4},
			"formatVendor":     {Page: 0, Offset: 12, Width: 4},
			"formatType":       {Page: 0, Offset: 16, Width: 2},
			"formatVersion":    {Page: 0, Offset: 18, Width: 1},
			"recordSize":       {Page: 0, Offset: 19, Width: 1},
			"scheduleOffset":   {Page: 0, Offset: 20, Width: 4},
			"scheduleInterval": {Page: 0, Offset: 24, Width: 4},
		},
	}
}

// AddAttr registers an additional attribute on top of the generic set; it
// panics on a duplicate name, since that is always a driver authoring bug.
func (b *BaseSensor) AddAttr(name string, attr *Attribute) {
	if _, exists := b.attrs[name]; exists {
		panic("device: duplicate attribute " + name)
	}
	b.attrs[name] = attr
}

func (b *BaseSensor) ID() int                      { return b.SID }
func (b *BaseSensor) Name() string                 { return b.SName }
func (b *BaseSensor) Attrs() map[string]*Attribute { return b.attrs }

func (b *BaseSensor) GetAttr(name string) (interface{}, error) {
	attr, ok := b.attrs[name]
	if !ok {
		return nil, errUnknownAttr(name)
	}
	return attr.Get(b.Dev, b.SID)
}

func (b *BaseSensor) SetAttr(name string, value interface{}) error {
	attr, ok := b.attrs[name]
	if !ok {
		return errUnknownAttr(name)
	}
	return attr.Set(b.Dev, b.SID, value)
}

func errUnknownAttr(name string) error {
	return &unknownAttrError{name: name}
}

type unknownAttrError struct{ name string }

func (e *unknownAttrError) Error() string { return "device: unknown attribute " + e.name }

// BaseDecoder is the no-op decoder fallback (grounded on
// base.py's Decoder): sensor types the registry doesn't recognize still
// participate in scheduling, they just never decode anything. Concrete
// decoders embed BaseDecoder and override Decode.
type BaseDecoder struct {
	Sensor      Sensor
	offset      int64
	interval    int64
	recordBytes int
}

// NewBaseDecoder builds a decoder bound to sensor; call Update once the
// sensor's configuration pages are known.
func NewBaseDecoder(sensor Sensor) BaseDecoder {
	return BaseDecoder{Sensor: sensor}
}

func (d *BaseDecoder) Update() {
	d.offset = attrInt64(d.Sensor, "scheduleOffset")
	d.interval = attrInt64(d.Sensor, "scheduleInterval")
	d.recordBytes = int(attrInt64(d.Sensor, "recordSize") / 8)
}

func attrInt64(s Sensor, name string) int64 {
	v, err := s.GetAttr(name)
	if err != nil {
		return 0
	}
	n, _ := v.(int64)
	return n
}

func (d *BaseDecoder) Offset() int64             { return d.offset }
func (d *BaseDecoder) Interval() int64           { return d.interval }
func (d *BaseDecoder) RecordBytes() int          { return d.recordBytes }
func (d *BaseDecoder) Decode(_ []byte) []float64 { return nil }
