package types

import "fmt"

// SectionFlag holds a section's flags field: the low byte is the section
// type, the remaining 24 bits are attributes (mach-o/loader.h S_* / S_ATTR_*).
type SectionFlag uint32

const (
	SectionTypeMask       SectionFlag = 0x000000ff
	SectionAttributesMask SectionFlag = 0xffffff00

	S_REGULAR                  SectionFlag = 0x0
	S_ZEROFILL                 SectionFlag = 0x1
	S_CSTRING_LITERALS         SectionFlag = 0x2
	S_4BYTE_LITERALS           SectionFlag = 0x3
	S_8BYTE_LITERALS           SectionFlag = 0x4
	S_LITERAL_POINTERS         SectionFlag = 0x5
	S_NON_LAZY_SYMBOL_POINTERS SectionFlag = 0x6
	S_LAZY_SYMBOL_POINTERS     SectionFlag = 0x7
	S_SYMBOL_STUBS             SectionFlag = 0x8
	S_MOD_INIT_FUNC_POINTERS   SectionFlag = 0x9
	S_MOD_TERM_FUNC_POINTERS   SectionFlag = 0xa
	S_COALESCED                SectionFlag = 0xb
	S_GB_ZEROFILL              SectionFlag = 0xc
	S_INTERPOSING              SectionFlag = 0xd
	S_16BYTE_LITERALS          SectionFlag = 0xe
	S_DTRACE_DOF               SectionFlag = 0xf
	S_LAZY_DYLIB_SYMBOL_POINTERS SectionFlag = 0x10
	S_THREAD_LOCAL_REGULAR                        SectionFlag = 0x11
	S_THREAD_LOCAL_ZEROFILL                       SectionFlag = 0x12
	S_THREAD_LOCAL_VARIABLES                      SectionFlag = 0x13
	S_THREAD_LOCAL_VARIABLE_POINTERS               SectionFlag = 0x14
	S_THREAD_LOCAL_INIT_FUNCTION_POINTERS          SectionFlag = 0x15

	S_ATTR_PURE_INSTRUCTIONS   SectionFlag = 0x80000000
	S_ATTR_NO_TOC              SectionFlag = 0x40000000
	S_ATTR_STRIP_STATIC_SYMS   SectionFlag = 0x20000000
	S_ATTR_NO_DEAD_STRIP       SectionFlag = 0x10000000
	S_ATTR_LIVE_SUPPORT        SectionFlag = 0x08000000
	S_ATTR_SELF_MODIFYING_CODE SectionFlag = 0x04000000
	S_ATTR_DEBUG               SectionFlag = 0x02000000
	S_ATTR_SOME_INSTRUCTIONS   SectionFlag = 0x00000400
	S_ATTR_EXT_RELOC           SectionFlag = 0x00000200
	S_ATTR_LOC_RELOC           SectionFlag = 0x00000100
)

// Type returns the low-byte section type.
func (f SectionFlag) Type() SectionFlag { return f & SectionTypeMask }

// Attributes returns the attribute bits with the type masked off.
func (f SectionFlag) Attributes() SectionFlag { return f & SectionAttributesMask }

func (f SectionFlag) IsRegular() bool  { return f.Type() == S_REGULAR }
func (f SectionFlag) IsZerofill() bool { return f.Type() == S_ZEROFILL || f.Type() == S_THREAD_LOCAL_ZEROFILL || f.Type() == S_GB_ZEROFILL }
func (f SectionFlag) IsCstringLiterals() bool { return f.Type() == S_CSTRING_LITERALS }
func (f SectionFlag) IsSymbolStubs() bool     { return f.Type() == S_SYMBOL_STUBS }
func (f SectionFlag) IsNonLazySymbolPointers() bool { return f.Type() == S_NON_LAZY_SYMBOL_POINTERS }
func (f SectionFlag) IsLazySymbolPointers() bool    { return f.Type() == S_LAZY_SYMBOL_POINTERS }
func (f SectionFlag) IsDebug() bool                 { return f.Attributes()&S_ATTR_DEBUG != 0 }
func (f SectionFlag) NoDeadStrip() bool             { return f.Attributes()&S_ATTR_NO_DEAD_STRIP != 0 }
func (f SectionFlag) PureInstructions() bool        { return f.Attributes()&S_ATTR_PURE_INSTRUCTIONS != 0 }

var sectionTypeStrings = []IntName{
	{uint32(S_REGULAR), "Regular"},
	{uint32(S_ZEROFILL), "Zerofill"},
	{uint32(S_CSTRING_LITERALS), "CstringLiterals"},
	{uint32(S_4BYTE_LITERALS), "4ByteLiterals"},
	{uint32(S_8BYTE_LITERALS), "8ByteLiterals"},
	{uint32(S_LITERAL_POINTERS), "LiteralPointers"},
	{uint32(S_NON_LAZY_SYMBOL_POINTERS), "NonLazySymbolPointers"},
	{uint32(S_LAZY_SYMBOL_POINTERS), "LazySymbolPointers"},
	{uint32(S_SYMBOL_STUBS), "SymbolStubs"},
	{uint32(S_MOD_INIT_FUNC_POINTERS), "ModInitFuncPointers"},
	{uint32(S_MOD_TERM_FUNC_POINTERS), "ModTermFuncPointers"},
	{uint32(S_COALESCED), "Coalesced"},
	{uint32(S_THREAD_LOCAL_VARIABLES), "ThreadLocalVariables"},
	{uint32(S_THREAD_LOCAL_VARIABLE_POINTERS), "ThreadLocalVariablePointers"},
}

func (f SectionFlag) String() string {
	return StringName(uint32(f.Type()), sectionTypeStrings, false)
}

func (f SectionFlag) AttributesString() string {
	attrs := f.Attributes()
	if attrs == 0 {
		return ""
	}
	var s string
	add := func(bit SectionFlag, name string) {
		if attrs&bit != 0 {
			if s != "" {
				s += ","
			}
			s += name
		}
	}
	add(S_ATTR_PURE_INSTRUCTIONS, "PureInstructions")
	add(S_ATTR_NO_TOC, "NoToc")
	add(S_ATTR_STRIP_STATIC_SYMS, "StripStaticSyms")
	add(S_ATTR_NO_DEAD_STRIP, "NoDeadStrip")
	add(S_ATTR_LIVE_SUPPORT, "LiveSupport")
	add(S_ATTR_SELF_MODIFYING_CODE, "SelfModifyingCode")
	add(S_ATTR_DEBUG, "Debug")
	add(S_ATTR_SOME_INSTRUCTIONS, "SomeInstructions")
	return s
}

func (f SectionFlag) GoString() string {
	return fmt.Sprintf("macho.SectionFlag(0x%x)", uint32(f))
}
