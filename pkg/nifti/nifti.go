// Package nifti reads and writes single-file NIfTI-1 images (.nii and .nii.gz).
//
// Only what the QC pipeline needs is supported: header access, voxel spacing
// and selecting a subset of volumes from a 4D series.
package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Header is the packed 348 byte NIfTI-1 header.
//
//	C     Go
//	-------------
//	int   int32
//	float float32
//	short int16
//	char  byte
type Header struct {
	SizeOfHdr          int32    // Must be 348
	UnusedDataType     [10]byte // Unused
	UnusedDbName       [18]byte // Unused
	UnusedExtents      int32    // Unused
	UnusedSessionError int16    // Unused
	UnusedRegular      byte     // Unused
	DimInfo            byte     // MRI slice ordering

	Dim           [8]int16   // Data array dimensions
	IntentP1      float32    // 1st intent parameter
	IntentP2      float32    // 2nd intent parameter
	IntentP3      float32    // 3rd intent parameter
	IntentCode    int16      // NIFTI_INTENT_* code
	DataType      int16      // Defines data type
	BitPix        int16      // Number bits/voxel
	SliceStart    int16      // First slice index
	PixDim        [8]float32 // Grid spacing
	VoxOffset     float32    // Offset into .nii file
	SclSlope      float32    // Data scaling: slope
	SclInter      float32    // Data scaling: offset
	SliceEnd      int16      // Last slice index
	SliceCode     byte       // Slice timing order
	XYZTUnits     byte       // Units of pixdim[1..4]
	CalMax        float32    // Max display intensity
	CalMin        float32    // Min display intensity
	SliceDuration float32    // Time for 1 slice
	TOffset       float32    // Time axis shift
	UnusedGlmax   int32      // Unused
	UnusedGlmin   int32      // Unused

	Descrip [80]byte // Any text you like
	AuxFile [24]byte // Auxiliary filename

	QFormCode int16 // NIFTI_XFORM_* code
	SFormCode int16 // NIFTI_XFORM_* code

	QuaternB float32 // Quaternion b params
	QuaternC float32 // Quaternion c params
	QuaternD float32 // Quaternion d params
	QOffsetX float32 // Quaternion x shift
	QOffsetY float32 // Quaternion y shift
	QOffsetZ float32 // Quaternion z shift

	SRowX [4]float32 // 1st row affine transform
	SRowY [4]float32 // 2nd row affine transform
	SRowZ [4]float32 // 3rd row affine transform

	IntentName [16]byte // 'name' or meaning of data

	Magic [4]byte // Must be "n+1\0" for single-file images
}

const (
	headerSize    = 348
	minVoxOffset  = 352
	extensionSize = 4
)

// Datatype codes from nifti1.h
const (
	DTUint8   = 2
	DTInt16   = 4
	DTInt32   = 8
	DTFloat32 = 16
	DTFloat64 = 64
	DTInt8    = 256
	DTUint16  = 512
	DTUint32  = 768
)

var singleFileMagic = [4]byte{'n', '+', '1', 0}

// Image is a decoded NIfTI-1 file. Data holds the raw voxel bytes in file order
// (x fastest, then y, z, t).
type Image struct {
	Header    Header
	ByteOrder binary.ByteOrder

	// Extension holds the bytes between the header and the voxel data,
	// including the 4 byte extension flag
	Extension []byte

	Data []byte
}

// New creates an empty image with the given x, y, z, t dimensions and datatype.
// Voxel spacing defaults to 1mm isotropic.
func New(nx, ny, nz, nt int, datatype int16) (*Image, error) {
	bitpix, err := bitsPerVoxel(datatype)
	if err != nil {
		return nil, err
	}
	h := Header{
		SizeOfHdr: headerSize,
		DataType:  datatype,
		BitPix:    bitpix,
		VoxOffset: minVoxOffset,
		SclSlope:  1,
		Magic:     singleFileMagic,
	}
	h.Dim = [8]int16{3, int16(nx), int16(ny), int16(nz), 1, 1, 1, 1}
	if nt > 1 {
		h.Dim[0] = 4
		h.Dim[4] = int16(nt)
	}
	h.PixDim = [8]float32{1, 1, 1, 1, 1, 0, 0, 0}
	img := &Image{
		Header:    h,
		ByteOrder: binary.LittleEndian,
		Extension: make([]byte, extensionSize),
	}
	img.Data = make([]byte, img.VolumeBytes()*img.Volumes())
	return img, nil
}

func bitsPerVoxel(datatype int16) (int16, error) {
	switch datatype {
	case DTUint8, DTInt8:
		return 8, nil
	case DTInt16, DTUint16:
		return 16, nil
	case DTInt32, DTUint32, DTFloat32:
		return 32, nil
	case DTFloat64:
		return 64, nil
	}
	return 0, fmt.Errorf("unsupported NIfTI datatype %d", datatype)
}

// Volumes returns the length of the 4th dimension, 1 for 3D images
func (img *Image) Volumes() int {
	if img.Header.Dim[0] < 4 || img.Header.Dim[4] < 1 {
		return 1
	}
	return int(img.Header.Dim[4])
}

// VolumeBytes returns the size of one 3D volume in bytes
func (img *Image) VolumeBytes() int {
	n := 1
	for i := 1; i <= 3; i++ {
		if i <= int(img.Header.Dim[0]) && img.Header.Dim[i] > 0 {
			n *= int(img.Header.Dim[i])
		}
	}
	return n * int(img.Header.BitPix) / 8
}

// VoxelSize returns the x, y, z grid spacing
func (img *Image) VoxelSize() [3]float64 {
	return VoxelSize(img.Header)
}

// VoxelSize returns the x, y, z grid spacing recorded in a header
func VoxelSize(h Header) [3]float64 {
	return [3]float64{float64(h.PixDim[1]), float64(h.PixDim[2]), float64(h.PixDim[3])}
}

// SelectVolumes returns a new image holding only the given volumes, in the
// order given
func (img *Image) SelectVolumes(indices []int) (*Image, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("no volumes selected")
	}
	nvol := img.Volumes()
	size := img.VolumeBytes()
	if len(img.Data) < nvol*size {
		return nil, fmt.Errorf("image data truncated: have %d bytes, need %d", len(img.Data), nvol*size)
	}

	out := &Image{
		Header:    img.Header,
		ByteOrder: img.ByteOrder,
		Extension: append([]byte(nil), img.Extension...),
		Data:      make([]byte, 0, len(indices)*size),
	}
	for _, idx := range indices {
		if idx < 0 || idx >= nvol {
			return nil, fmt.Errorf("volume index %d out of range [0, %d)", idx, nvol)
		}
		out.Data = append(out.Data, img.Data[idx*size:(idx+1)*size]...)
	}

	if len(indices) == 1 {
		out.Header.Dim[0] = 3
		out.Header.Dim[4] = 1
	} else {
		out.Header.Dim[0] = 4
		out.Header.Dim[4] = int16(len(indices))
	}
	return out, nil
}

// Volume decodes one volume into float64 voxel values with scaling applied
func (img *Image) Volume(idx int) ([]float64, error) {
	if idx < 0 || idx >= img.Volumes() {
		return nil, fmt.Errorf("volume index %d out of range [0, %d)", idx, img.Volumes())
	}
	size := img.VolumeBytes()
	raw := img.Data[idx*size : (idx+1)*size]
	bpv := int(img.Header.BitPix) / 8
	n := size / bpv

	slope, inter := float64(img.Header.SclSlope), float64(img.Header.SclInter)
	if slope == 0 {
		slope, inter = 1, 0
	}

	order := img.ByteOrder
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		b := raw[i*bpv : (i+1)*bpv]
		var v float64
		switch img.Header.DataType {
		case DTUint8:
			v = float64(b[0])
		case DTInt8:
			v = float64(int8(b[0]))
		case DTInt16:
			v = float64(int16(order.Uint16(b)))
		case DTUint16:
			v = float64(order.Uint16(b))
		case DTInt32:
			v = float64(int32(order.Uint32(b)))
		case DTUint32:
			v = float64(order.Uint32(b))
		case DTFloat32:
			v = float64(math.Float32frombits(order.Uint32(b)))
		case DTFloat64:
			v = math.Float64frombits(order.Uint64(b))
		default:
			return nil, fmt.Errorf("unsupported NIfTI datatype %d", img.Header.DataType)
		}
		out[i] = v*slope + inter
	}
	return out, nil
}

func isGzip(path string) bool {
	return strings.HasSuffix(path, ".gz")
}

func open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !isGzip(path) {
		return f, nil
	}
	zr, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("error opening gzip stream %s: %w", path, err)
	}
	return struct {
		io.Reader
		io.Closer
	}{zr, f}, nil
}

// decodeHeader reads the header and infers the byte order from Dim[0]
func decodeHeader(b []byte) (Header, binary.ByteOrder, error) {
	if len(b) < headerSize {
		return Header{}, nil, fmt.Errorf("file too short for a NIfTI-1 header: %d bytes", len(b))
	}
	var order binary.ByteOrder = binary.LittleEndian
	h := Header{}
	if err := binary.Read(bytes.NewReader(b[:headerSize]), order, &h); err != nil {
		return Header{}, nil, err
	}
	if h.Dim[0] < 1 || h.Dim[0] > 7 {
		order = binary.BigEndian
		h = Header{}
		if err := binary.Read(bytes.NewReader(b[:headerSize]), order, &h); err != nil {
			return Header{}, nil, err
		}
	}
	if h.Dim[0] < 1 || h.Dim[0] > 7 {
		return Header{}, nil, fmt.Errorf("cannot infer byte order: dim[0]=%d not in range [1, 7]", h.Dim[0])
	}
	if err := validateHeader(h); err != nil {
		return Header{}, nil, err
	}
	return h, order, nil
}

func validateHeader(h Header) error {
	switch {
	case h.SizeOfHdr != headerSize:
		return fmt.Errorf("invalid header size %d for nifti1", h.SizeOfHdr)
	case h.Magic != singleFileMagic:
		return fmt.Errorf("invalid file magic %q: data must be stored in the same file as the header", h.Magic[:3])
	case h.Dim[0] > 4 && (h.Dim[5] > 1 || h.Dim[6] > 1 || h.Dim[7] > 1):
		return fmt.Errorf("images with more than 4 dimensions are not supported")
	}
	if _, err := bitsPerVoxel(h.DataType); err != nil {
		return err
	}
	return nil
}

// ReadHeader reads only the header of an image file
func ReadHeader(path string) (Header, binary.ByteOrder, error) {
	rc, err := open(path)
	if err != nil {
		return Header{}, nil, err
	}
	defer rc.Close()

	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(rc, buf); err != nil {
		return Header{}, nil, fmt.Errorf("error reading header of %s: %w", path, err)
	}
	return decodeHeader(buf)
}

// Read loads a complete image
func Read(path string) (*Image, error) {
	rc, err := open(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", path, err)
	}
	h, order, err := decodeHeader(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	offset := int(h.VoxOffset)
	if offset < minVoxOffset {
		offset = minVoxOffset
	}
	img := &Image{Header: h, ByteOrder: order}
	dataSize := img.VolumeBytes() * img.Volumes()
	if len(b) < offset+dataSize {
		return nil, fmt.Errorf("%s: data truncated, expected %d bytes after offset %d", path, dataSize, offset)
	}
	img.Extension = append([]byte(nil), b[headerSize:offset]...)
	img.Data = b[offset : offset+dataSize]
	return img, nil
}

// Write stores the image, gzip compressed when the path ends in .gz
func Write(path string, img *Image) error {
	ext := img.Extension
	if len(ext) < extensionSize {
		ext = make([]byte, extensionSize)
	}
	h := img.Header
	h.VoxOffset = float32(headerSize + len(ext))

	order := img.ByteOrder
	if order == nil {
		order = binary.LittleEndian
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, order, h); err != nil {
		return fmt.Errorf("error encoding header: %w", err)
	}
	buf.Write(ext)
	buf.Write(img.Data)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", path, err)
	}
	if err := encode(f, path, buf.Bytes()); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("error closing %s: %w", path, err)
	}
	return nil
}

// encode writes the serialized image, compressing it for .gz paths
func encode(w io.Writer, path string, data []byte) error {
	if !isGzip(path) {
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("error writing %s: %w", path, err)
		}
		return nil
	}
	zw := gzip.NewWriter(w)
	if _, err := zw.Write(data); err != nil {
		return fmt.Errorf("error compressing %s: %w", path, err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("error compressing %s: %w", path, err)
	}
	return nil
}
