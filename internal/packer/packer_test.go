package packer

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/vmprotect/internal/store"
	"github.com/eigerco/vmprotect/internal/transition"
	"github.com/eigerco/vmprotect/internal/vm"
)

const rva = 0x1000

var sample = [][]byte{
	{0x48, 0x01, 0x06},                   // add [rsi], rax
	{0x48, 0x83, 0xc0, 0xff},             // add rax, -1
	{0x48, 0x29, 0xd8},                   // sub rax, rbx
	{0x48, 0x01, 0xc4},                   // add rsp, rax
	{0x01, 0xc0},                         // add eax, eax
	{0x48, 0x01, 0x46, 0x08},             // add [rsi+8], rax
	{0x00, 0xe0},                         // add al, ah
	{0x66, 0x05, 0x34, 0x12},             // add ax, 0x1234
	{0x48, 0x2d, 0x78, 0x56, 0x34, 0x12}, // sub rax, 0x12345678
	{0xf0, 0x48, 0x01, 0x06},             // lock add [rsi], rax
	{0xe8, 0xd8, 0x00, 0x00, 0x00},       // call 0x1100
	{0xc3},                               // ret
}

func sampleCode() []byte {
	return bytes.Join(sample, nil)
}

func fixedKey() ([]byte, error) {
	return bytes.Repeat([]byte{0x5a}, 32), nil
}

func TestLift(t *testing.T) {
	got := Lift(sampleCode(), rva)

	expected := []struct {
		location uint64
		length   int
		inst     vm.Instruction
	}{
		{0x1000, 3, vm.Instruction{Opcode: vm.Add, Operands: []vm.Operand{
			vm.MemoryOperand(vm.RSI, 8), vm.RegisterOperand(vm.RAX, vm.PartNone, 8)}}},
		{0x1003, 4, vm.Instruction{Opcode: vm.Add, Operands: []vm.Operand{
			vm.RegisterOperand(vm.RAX, vm.PartNone, 8), vm.ImmediateOperand(vm.KindImm8to64, 0xff)}}},
		{0x1007, 3, vm.Instruction{Opcode: vm.Sub, Operands: []vm.Operand{
			vm.RegisterOperand(vm.RAX, vm.PartNone, 8), vm.RegisterOperand(vm.RBX, vm.PartNone, 8)}}},
		{0x1013, 2, vm.Instruction{Opcode: vm.Add, Operands: []vm.Operand{
			vm.RegisterOperand(vm.RAX, vm.PartLower, 1), vm.RegisterOperand(vm.RAX, vm.PartHigher, 1)}}},
		{0x1015, 4, vm.Instruction{Opcode: vm.Add, Operands: []vm.Operand{
			vm.RegisterOperand(vm.RAX, vm.PartNone, 2), vm.ImmediateOperand(vm.KindImm16, 0x1234)}}},
		{0x1019, 6, vm.Instruction{Opcode: vm.Sub, Operands: []vm.Operand{
			vm.RegisterOperand(vm.RAX, vm.PartNone, 8), vm.ImmediateOperand(vm.KindImm32to64, 0x12345678)}}},
		{0x1023, 5, vm.Instruction{Opcode: vm.Call, Operands: []vm.Operand{
			vm.ImmediateOperand(vm.KindImm64, 0x1100)}}},
	}

	require.Len(t, got, len(expected))
	for i, want := range expected {
		t.Run(got[i].Native, func(t *testing.T) {
			assert.Equal(t, want.location, got[i].Location)
			assert.Equal(t, want.length, got[i].Length)
			assert.Equal(t, want.inst, got[i].Inst)
		})
	}
}

func TestLiftSkipsGarbage(t *testing.T) {
	// push es, pop es, daa: invalid in long mode
	code := []byte{0x06, 0x07, 0x27, 0x48, 0x01, 0x06}
	got := Lift(code, 0)
	require.NotEmpty(t, got)
	last := got[len(got)-1]
	assert.Equal(t, uint64(3), last.Location)
	assert.Equal(t, vm.Add, last.Inst.Opcode)
}

func TestPack(t *testing.T) {
	code := sampleCode()
	res, err := New(WithStoreOptions(store.WithKeySource(fixedKey))).Pack(code, rva)
	require.NoError(t, err)

	candidates := Lift(code, rva)
	require.Len(t, res.Sites, len(candidates))
	assert.Equal(t, len(candidates), res.Store.Len())
	assert.Len(t, res.Code, len(code))

	for i, site := range res.Sites {
		c := candidates[i]
		assert.Equal(t, c.Location, site.Location)
		assert.Equal(t, uint8(c.Length), site.Length)

		off := site.Location - rva
		assert.Equal(t, Stub(c.Length), res.Code[off:site.End()-rva], "spliced %#x", site.Location)

		inst, _, err := vm.DecodeSite(res.Buffer, int(site.Index))
		require.NoError(t, err)
		assert.Equal(t, c.Inst, inst)

		plain, err := res.Store.Fetch(site.Location)
		require.NoError(t, err)
		stored, _, err := vm.Decode(plain)
		require.NoError(t, err)
		assert.Equal(t, c.Inst, stored)
	}

	// skipped instructions stay native
	assert.Equal(t, []byte{0x48, 0x01, 0xc4}, res.Code[10:13])
	assert.Equal(t, []byte{0xf0, 0x48, 0x01, 0x06}, res.Code[31:35])
	assert.Equal(t, byte(0xc3), res.Code[40])
	assert.Equal(t, sampleCode(), code, "input untouched")
}

func TestPackFilter(t *testing.T) {
	onlyCalls := WithFilter(func(c Candidate) bool { return c.Inst.Opcode == vm.Call })
	res, err := New(onlyCalls, WithStoreOptions(store.WithKeySource(fixedKey))).Pack(sampleCode(), rva)
	require.NoError(t, err)
	require.Len(t, res.Sites, 1)
	assert.Equal(t, Site{Location: 0x1023, Index: 0, Length: 5}, res.Sites[0])
}

func TestPackLogsSites(t *testing.T) {
	var logs bytes.Buffer
	logger := zerolog.New(&logs).Level(zerolog.DebugLevel)
	res, err := New(WithLogger(logger), WithStoreOptions(store.WithKeySource(fixedKey))).Pack(sampleCode(), rva)
	require.NoError(t, err)

	assert.Equal(t, len(res.Sites), bytes.Count(logs.Bytes(), []byte(`"message":"virtualized"`)))
	assert.Contains(t, logs.String(), `"message":"packed"`)
	assert.Contains(t, logs.String(), `"location":4099`)
}

func TestPackedSitesExecute(t *testing.T) {
	code := bytes.Join([][]byte{sample[0], sample[1]}, nil)
	res, err := New(WithStoreOptions(store.WithKeySource(fixedKey))).Pack(code, 0)
	require.NoError(t, err)
	require.Len(t, res.Sites, 2)

	mem := vm.NewFlatMemory(0x10000, 8)
	binary.LittleEndian.PutUint64(mem.Data, 5)
	frame := transition.NewFrame(vm.RegisterFile{})
	frame.Set(vm.RAX, 7)
	frame.Set(vm.RSI, 0x10000)

	engine := transition.NewEngine(frame, mem, nil)
	for _, site := range res.Sites {
		require.NoError(t, engine.Run(res.Buffer, int(site.Index)))
	}
	assert.Equal(t, uint64(12), binary.LittleEndian.Uint64(mem.Data))
	assert.Equal(t, uint64(6), frame.Registers().Regs[vm.RAX])
}

func TestSites(t *testing.T) {
	sites := Sites{
		{Location: 0x10, Index: 0, Length: 3},
		{Location: 0x20, Index: 12, Length: 5},
	}
	data, err := sites.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, data, 8+2*siteSize)

	var got Sites
	require.NoError(t, got.UnmarshalBinary(data))
	assert.Equal(t, sites, got)

	site, ok := got.Lookup(0x20)
	assert.True(t, ok)
	assert.Equal(t, uint64(0x25), site.End())
	_, ok = got.Lookup(0x11)
	assert.False(t, ok)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short record", data[:len(data)-1]},
		{"trailing byte", append(bytes.Clone(data), 0)},
		{"huge count", binary.LittleEndian.AppendUint64(nil, 1<<60)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var s Sites
			assert.ErrorIs(t, s.UnmarshalBinary(tc.data), ErrTruncated)
		})
	}

	unordered, err := Sites{sites[1], sites[0]}.MarshalBinary()
	require.NoError(t, err)
	assert.ErrorContains(t, got.UnmarshalBinary(unordered), "out of order")
}
