package ledger

import (
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// Kernel is the module's single external entry point (spec §8 External
// Interfaces): it owns every collaborator's lifecycle and exposes the
// operations a host process calls — ingest, interpret-and-post, retry,
// abandon, reverse, close a period, trace a lifecycle, and list the work
// queue. BootKernel constructs the MeaningBuilder, JournalWriter and the
// other collaborators itself, wired to a live, compiled policy pack; the
// Kernel does not hand them out. Adapted from the teacher's top-level engine type,
// which played the same role of the one struct a host program imports.
type Kernel struct {
	storage     *Storage
	authority   *PolicyAuthority
	reportStore *ReportStore
	clock       Clock

	eventStore       *EventStore
	coordinator      *InterpretationCoordinator
	traceAssembler   *TraceAssembler
	subledgerControl *SubledgerControl
}

// KernelOptions configures BootKernel. Engines and a SubledgerControl are
// supplied by the caller because they are deployment-specific: which
// engines exist and which subledger totals are checked varies by legal
// entity, while everything else in Kernel is structural.
type KernelOptions struct {
	Config           Config
	Clock            Clock
	PartyResolver    PartyContractResolver
	Engines          []Engine
	SubledgerEngines []SubledgerEngine
	// SkipReportStore disables the secondary GORM-backed mirror, for
	// deployments or tests that only need the primary bbolt store.
	SkipReportStore bool
}

// BootKernel opens storage, loads and compiles the configured policy pack,
// and wires every collaborator into a ready-to-use Kernel.
func BootKernel(opts KernelOptions) (*Kernel, error) {
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock{}
	}

	storage, err := NewStorage(opts.Config.DBPath, time.Duration(opts.Config.LockTimeoutSeconds)*time.Second)
	if err != nil {
		return nil, Wrap(KindTransactionFailure, "failed to open primary store", err)
	}

	if opts.Config.PolicyPackPath == "" {
		return nil, NewKernelError(KindPolicyCompilationFailed, "no policy pack path configured")
	}
	authority, err := LoadPolicyAuthorityFromFile(opts.Config.PolicyPackPath, clock)
	if err != nil {
		return nil, err
	}

	var reportStore *ReportStore
	if !opts.SkipReportStore {
		reportStore, err = NewReportStore(opts.Config.ReportDBPath)
		if err != nil {
			return nil, Wrap(KindTransactionFailure, "failed to open report store", err)
		}
	}

	roleResolver := NewRoleResolver(authority, storage)
	periodAuthority := NewPeriodAuthority(storage, clock)
	linkGraph := NewLinkGraph(authority)
	meaningBuilder := NewMeaningBuilder(authority, opts.PartyResolver)
	engineDispatcher := NewEngineDispatcher(authority, opts.Engines...)
	intentBuilder := NewIntentBuilder()
	journalWriter := NewJournalWriter(roleResolver, periodAuthority, linkGraph, clock)
	outcomeRecorder := NewOutcomeRecorder(clock)
	subledgerControl := NewSubledgerControl(authority, roleResolver, opts.SubledgerEngines...)
	journalWriter.SetSubledgerControl(subledgerControl)
	periodAuthority.SetSubledgerControl(subledgerControl)

	coordinator := NewInterpretationCoordinator(
		storage, authority, meaningBuilder, engineDispatcher,
		intentBuilder, journalWriter, outcomeRecorder, reportStore, clock,
	)

	return &Kernel{
		storage:          storage,
		authority:        authority,
		reportStore:      reportStore,
		clock:            clock,
		eventStore:       NewEventStore(storage, clock),
		coordinator:      coordinator,
		traceAssembler:   NewTraceAssembler(storage),
		subledgerControl: subledgerControl,
	}, nil
}

// Close releases the underlying storage handles. It does not delete any
// data.
func (k *Kernel) Close() error {
	return k.storage.Close()
}

// Ingest appends a business fact to the permanent event log.
func (k *Kernel) Ingest(event Event) (IngestResult, error) {
	return k.eventStore.Ingest(event)
}

// InterpretAndPost interprets and, if every guard and invariant is
// satisfied, posts the journal entry/entries a previously ingested event
// implies.
func (k *Kernel) InterpretAndPost(event Event) (InterpretationOutcome, error) {
	return k.coordinator.InterpretAndPost(event)
}

// Retry reattempts interpretation for a non-terminal, previously failed or
// blocked event.
func (k *Kernel) Retry(eventID string) (InterpretationOutcome, error) {
	return k.coordinator.Retry(k.eventStore, eventID)
}

// Abandon marks a FAILED event as deliberately not going to be retried.
func (k *Kernel) Abandon(eventID, actorID, reason string) (InterpretationOutcome, error) {
	return k.coordinator.Abandon(eventID, actorID, reason)
}

// Reverse posts the mirror-image entry of a previously posted entry.
func (k *Kernel) Reverse(entryID, actorID, reason string) (JournalWriteResult, error) {
	return k.coordinator.Reverse(entryID, actorID, reason)
}

// ClosePeriod closes a fiscal period, optionally still allowing adjustment
// postings into it.
func (k *Kernel) ClosePeriod(periodCode string, allowsAdjustments bool) (FiscalPeriod, error) {
	return k.coordinator.ClosePeriod(periodCode, allowsAdjustments)
}

// Trace reconstructs the full lifecycle of a source event for audit and
// debugging.
func (k *Kernel) Trace(sourceEventID string) (*TraceBundle, error) {
	return k.traceAssembler.Assemble(sourceEventID)
}

// WorkQueue lists interpretation outcomes matching filter, for the
// operator-facing retry/abandon surface.
func (k *Kernel) WorkQueue(filter WorkQueueFilter) (WorkQueueResult, error) {
	var result WorkQueueResult
	err := k.storage.View(func(tx *bbolt.Tx) error {
		var err error
		result, err = ListWorkQueue(tx, filter)
		return err
	})
	return result, err
}

// CheckSubledgers runs every configured subledger control against the
// supplied control balances, for use before a period close.
func (k *Kernel) CheckSubledgers(ledger string, controlBalances map[string]Money) ([]SubledgerTieOut, error) {
	var result []SubledgerTieOut
	err := k.storage.View(func(tx *bbolt.Tx) error {
		var err error
		result, err = k.subledgerControl.Check(tx, ledger, controlBalances)
		return err
	})
	return result, err
}

// ReloadPolicyPack recompiles and atomically swaps in a new policy pack
// source, for deployments that push policy updates without a restart.
func (k *Kernel) ReloadPolicyPack(src PolicyPackSource) error {
	if err := k.authority.Reload(src); err != nil {
		return err
	}
	return nil
}

// CurrentPolicyFingerprint reports the fingerprint of the compiled pack
// currently in force, for operators confirming a deployment rolled out.
func (k *Kernel) CurrentPolicyFingerprint() string {
	return k.authority.Current().Fingerprint
}

// LegalEntityStatus tracks whether a legal entity is currently postable.
type LegalEntityStatus string

const (
	LegalEntityActive   LegalEntityStatus = "ACTIVE"
	LegalEntityInactive LegalEntityStatus = "INACTIVE"
)

// LegalEntityDescriptor identifies one legal entity a Kernel can be booted
// for: its own storage file, its own compiled policy pack, its own base
// currency. Trimmed down from the teacher's Company record — no address,
// no intercompany settings, no consolidation parent — since
// intercompany elimination and consolidated trial balances belong to an
// external ERP module, not this kernel (spec §4.20).
type LegalEntityDescriptor struct {
	ID           string
	Name         string
	BaseCurrency CurrencyCode
	Status       LegalEntityStatus
}

// LegalEntityRegistry resolves a legal entity identifier to the Kernel
// booted for it, lazily and once, mirroring the teacher's
// company-ID-to-AccountingEngine cache in multi_company.go — generalized
// here from "one engine per company" to "one Kernel per (legal_entity,
// compiled policy pack)", per spec §6's "loaded by identifier
// (legal_entity, as_of_date)".
type LegalEntityRegistry struct {
	mu          sync.RWMutex
	descriptors map[string]LegalEntityDescriptor
	kernels     map[string]*Kernel
	optionsFor  func(LegalEntityDescriptor) (KernelOptions, error)
}

// NewLegalEntityRegistry constructs a registry that boots a Kernel for a
// given descriptor using optionsFor — typically a closure that points
// Config.DBPath/PolicyPackPath at per-entity files.
func NewLegalEntityRegistry(optionsFor func(LegalEntityDescriptor) (KernelOptions, error)) *LegalEntityRegistry {
	return &LegalEntityRegistry{
		descriptors: make(map[string]LegalEntityDescriptor),
		kernels:     make(map[string]*Kernel),
		optionsFor:  optionsFor,
	}
}

// Register adds a legal entity descriptor without booting its Kernel. A
// Kernel is only booted the first time Kernel(id) is called for it.
func (r *LegalEntityRegistry) Register(descriptor LegalEntityDescriptor) error {
	if descriptor.ID == "" {
		return NewKernelError(KindMalformedPayload, "legal entity descriptor requires an id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descriptors[descriptor.ID] = descriptor
	return nil
}

// Kernel returns the booted Kernel for legalEntityID, booting and caching
// it on first use.
func (r *LegalEntityRegistry) Kernel(legalEntityID string) (*Kernel, error) {
	r.mu.RLock()
	if k, ok := r.kernels[legalEntityID]; ok {
		r.mu.RUnlock()
		return k, nil
	}
	descriptor, ok := r.descriptors[legalEntityID]
	r.mu.RUnlock()
	if !ok {
		return nil, NewKernelError(KindRoleUnresolved, fmt.Sprintf("unknown legal entity %q", legalEntityID))
	}
	if descriptor.Status == LegalEntityInactive {
		return nil, NewKernelError(KindAccountInactive, fmt.Sprintf("legal entity %q is inactive", legalEntityID))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if k, ok := r.kernels[legalEntityID]; ok {
		return k, nil
	}
	opts, err := r.optionsFor(descriptor)
	if err != nil {
		return nil, err
	}
	k, err := BootKernel(opts)
	if err != nil {
		return nil, err
	}
	r.kernels[legalEntityID] = k
	return k, nil
}

// Close closes every Kernel this registry has booted.
func (r *LegalEntityRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, k := range r.kernels {
		if err := k.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

