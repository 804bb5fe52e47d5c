package vm

// Add add dst′ = (dst + src) mod 2^(8·w), status flags set for width w
func (d *Dispatcher) Add(rf *RegisterFile, dst, src Operand) error {
	return d.apply(rf, dst, src, false)
}

// Sub sub dst′ = (dst − src) mod 2^(8·w), status flags set for width w
func (d *Dispatcher) Sub(rf *RegisterFile, dst, src Operand) error {
	return d.apply(rf, dst, src, true)
}

// Call call pending′ = offset, the transfer itself happens on exit
func (d *Dispatcher) Call(rf *RegisterFile, offset uint64) {
	rf.PendingCall = offset
}

func (d *Dispatcher) apply(rf *RegisterFile, dst, src Operand, sub bool) error {
	a, err := d.read(rf, dst)
	if err != nil {
		return err
	}
	b, err := d.read(rf, src)
	if err != nil {
		return err
	}
	result, flags := arithmeticResult(a, b, dst.Width, sub)
	if err := d.write(rf, dst, result); err != nil {
		return err
	}
	rf.Flags = mergeFlags(rf.Flags, flags)
	return nil
}
