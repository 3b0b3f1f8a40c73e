package cpu

import "strconv"

// Cause is the EXCCAUSE value of a trap.
type Cause uint8

// Causes that can occur on this chip. Gaps in the numbering are causes the
// core does not implement.
const (
	IllegalInstruction    Cause = 0
	Syscall               Cause = 1
	InstructionFetchError Cause = 2
	LoadStoreError        Cause = 3
	Level1Interrupt       Cause = 4
	Alloca                Cause = 5

	Privileged         Cause = 8
	LoadStoreAlignment Cause = 9

	InstrPIFDataError     Cause = 12
	LoadStorePIFDataError Cause = 13
	InstrPIFAddrError     Cause = 14
	LoadStorePIFAddrError Cause = 15

	InstTLBMiss        Cause = 16
	InstTLBMultiHit    Cause = 17
	InstFetchPrivilege Cause = 18

	InstFetchProhibited Cause = 20

	LoadStoreTLBMiss     Cause = 24
	LoadStoreTLBMultiHit Cause = 25
	LoadStorePrivilege   Cause = 26

	LoadProhibited  Cause = 28
	StoreProhibited Cause = 29

	Coprocessor0Disabled Cause = 32
	Coprocessor1Disabled Cause = 33
	Coprocessor2Disabled Cause = 34
	Coprocessor3Disabled Cause = 35
	Coprocessor4Disabled Cause = 36
	Coprocessor5Disabled Cause = 37
	Coprocessor6Disabled Cause = 38
	Coprocessor7Disabled Cause = 39
)

// String returns the descriptive name of the cause.
func (c Cause) String() string {
	switch c {
	case IllegalInstruction:
		return "IllegalInstruction"
	case Syscall:
		return "Syscall"
	case InstructionFetchError:
		return "InstructionFetchError"
	case LoadStoreError:
		return "LoadStoreError"
	case Level1Interrupt:
		return "Level1Interrupt"
	case Alloca:
		return "Alloca"
	case Privileged:
		return "Privileged"
	case LoadStoreAlignment:
		return "LoadStoreAlignment"
	case InstrPIFDataError:
		return "InstrPIFDataError"
	case LoadStorePIFDataError:
		return "LoadStorePIFDataError"
	case InstrPIFAddrError:
		return "InstrPIFAddrError"
	case LoadStorePIFAddrError:
		return "LoadStorePIFAddrError"
	case InstTLBMiss:
		return "InstTLBMiss"
	case InstTLBMultiHit:
		return "InstTLBMultiHit"
	case InstFetchPrivilege:
		return "InstFetchPrivilege"
	case InstFetchProhibited:
		return "InstFetchProhibited"
	case LoadStoreTLBMiss:
		return "LoadStoreTLBMiss"
	case LoadStoreTLBMultiHit:
		return "LoadStoreTLBMultiHit"
	case LoadStorePrivilege:
		return "LoadStorePrivilege"
	case LoadProhibited:
		return "LoadProhibited"
	case StoreProhibited:
		return "StoreProhibited"
	}
	if c >= Coprocessor0Disabled && c <= Coprocessor7Disabled {
		return "Coprocessor" + strconv.Itoa(int(c-Coprocessor0Disabled)) + "Disabled"
	}
	return "Cause(" + strconv.Itoa(int(c)) + ")"
}

// Valid reports whether c is one of the causes listed above.
func (c Cause) Valid() bool {
	switch {
	case c <= Alloca, c == Privileged, c == LoadStoreAlignment:
		return true
	case c >= InstrPIFDataError && c <= InstFetchPrivilege:
		return true
	case c == InstFetchProhibited:
		return true
	case c >= LoadStoreTLBMiss && c <= LoadStorePrivilege:
		return true
	case c == LoadProhibited, c == StoreProhibited:
		return true
	case c >= Coprocessor0Disabled && c <= Coprocessor7Disabled:
		return true
	}
	return false
}

// HasVirtualAddress reports whether EXCVADDR holds the faulting address for
// this cause.
func (c Cause) HasVirtualAddress() bool {
	switch c {
	case InstructionFetchError, LoadStoreError, LoadStoreAlignment,
		InstrPIFAddrError, LoadStorePIFAddrError,
		InstTLBMiss, InstTLBMultiHit, InstFetchPrivilege, InstFetchProhibited,
		LoadStoreTLBMiss, LoadStoreTLBMultiHit, LoadStorePrivilege,
		LoadProhibited, StoreProhibited:
		return true
	}
	return false
}
