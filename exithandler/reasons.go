package exithandler

// VMX exit-reason numbering (SDM Vol. 3, Appendix C), the space spec.md
// §4.6's 65-entry table is indexed by. microhv/vcpu translates KVM's own
// exit-reason numbering into this space before calling Table.Handle, so
// that PassthroughHandler's case analysis matches the architecture the
// spec describes rather than KVM's internal enumeration.
const (
	ReasonExceptionOrNMI    = 0
	ReasonExternalInterrupt = 1
	ReasonTripleFault       = 2
	ReasonInitSignal        = 3
	ReasonStartupIPI        = 4
	ReasonIOSMI             = 5
	ReasonOtherSMI          = 6
	ReasonInterruptWindow   = 7
	ReasonNMIWindow         = 8
	ReasonTaskSwitch        = 9
	ReasonCPUID             = 10
	ReasonGetSec            = 11
	ReasonHLT               = 12
	ReasonInvd              = 13
	ReasonInvlpg            = 14
	ReasonRDPMC             = 15
	ReasonRDTSC             = 16
	ReasonRSM               = 17
	ReasonVMCall            = 18
	ReasonVMClear           = 19
	ReasonVMLaunch          = 20
	ReasonVMPtrLd           = 21
	ReasonVMPtrSt           = 22
	ReasonVMRead            = 23
	ReasonVMResume          = 24
	ReasonVMWrite           = 25
	ReasonVMXOff            = 26
	ReasonVMXOn             = 27
	ReasonMovCR             = 28
	ReasonMovDR             = 29
	ReasonIOInstruction     = 30
	ReasonRDMSR             = 31
	ReasonWRMSR             = 32
	ReasonEntryFailInvalidGuestState = 33
	ReasonEntryFailMSRLoad  = 34
	ReasonMWait             = 36
	ReasonMonitorTrapFlag   = 37
	ReasonMonitor           = 39
	ReasonPause             = 40
	ReasonEntryFailMachineCheck = 41
	ReasonTPRBelowThreshold = 43
	ReasonAPICAccess        = 44
	ReasonVirtualizedEOI    = 45
	ReasonGDTRIDTRAccess    = 46
	ReasonLDTRTRAccess      = 47
	ReasonEPTViolation      = 48
	ReasonEPTMisconfig      = 49
	ReasonInvEPT            = 50
	ReasonRDTSCP            = 51
	ReasonVMXPreemptionTimer = 52
	ReasonInvVPID           = 53
	ReasonWBINVD            = 54
	ReasonXSETBV            = 55
	ReasonAPICWrite         = 56
	ReasonRDRAND            = 57
	ReasonInvPCID           = 58
	ReasonVMFunc            = 59
	ReasonEncls             = 60
	ReasonRDSEED            = 61
	ReasonPMLFull           = 62
	ReasonXSaves            = 63
	ReasonXRstors           = 64
)
