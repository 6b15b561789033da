package contacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mnemos-ai/mnemos/internal/llm"
	"github.com/mnemos-ai/mnemos/internal/model"
	"github.com/mnemos-ai/mnemos/internal/storage"
)

// Direction selects which way records flow.
type Direction string

const (
	DirectionImport Direction = "import"
	DirectionExport Direction = "export"
	DirectionBoth   Direction = "both"
)

// ConflictPolicy decides what happens when a matched pair diverges.
type ConflictPolicy string

const (
	// ConflictNewest overwrites the older side with the newer.
	ConflictNewest ConflictPolicy = "newest"
	// ConflictOldest keeps the older side and discards newer edits.
	ConflictOldest ConflictPolicy = "oldest"
	// ConflictMerge unions non-empty fields, newest winning per field.
	// Diverging notes are both kept: the newer text first, the older
	// appended in a dated block.
	ConflictMerge ConflictPolicy = "merge"
)

// Options tune one sync run.
type Options struct {
	Direction Direction
	Conflict  ConflictPolicy
	AutoMerge bool
	DryRun    bool

	// PreThreshold is the heuristic similarity floor for promoting a pair
	// to the LLM judge.
	PreThreshold float32
	// JudgeThreshold is the minimum judge confidence for an auto-merge.
	JudgeThreshold int

	BatchSize int
	// StreamCap bounds how many remote contacts are held at once; larger
	// provider sets are processed batch by batch.
	StreamCap int

	// Progress, when set, is invoked after each remote batch.
	Progress func(done, total int)
}

func (o *Options) fillDefaults() {
	if o.Direction == "" {
		o.Direction = DirectionBoth
	}
	if o.Conflict == "" {
		o.Conflict = ConflictNewest
	}
	if o.PreThreshold <= 0 {
		o.PreThreshold = 0.6
	}
	if o.JudgeThreshold <= 0 {
		o.JudgeThreshold = 90
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.StreamCap <= 0 {
		o.StreamCap = 2000
	}
}

func (o Options) imports() bool { return o.Direction == DirectionImport || o.Direction == DirectionBoth }
func (o Options) exports() bool { return o.Direction == DirectionExport || o.Direction == DirectionBoth }

// Summary is the sync result. Per-contact failures are collected in Errors;
// a sync with failures still returns the partial result.
type Summary struct {
	Exported        int      `json:"exported"`
	Imported        int      `json:"imported"`
	Updated         int      `json:"updated"`
	Merged          int      `json:"merged"`
	DuplicatesFound int      `json:"duplicates_found"`
	Skipped         int      `json:"skipped"`
	Failed          int      `json:"failed"`
	MatchedByUID    int      `json:"matched_by_uid"`
	MatchedByEmail  int      `json:"matched_by_email"`
	MatchedByPhone  int      `json:"matched_by_phone"`
	MatchedByName   int      `json:"matched_by_name"`
	DryRun          bool     `json:"dry_run,omitempty"`
	Errors          []string `json:"errors,omitempty"`
}

const maxErrorsReported = 50

func (s *Summary) fail(err error) {
	s.Failed++
	if len(s.Errors) < maxErrorsReported {
		s.Errors = append(s.Errors, err.Error())
	}
}

// Engine runs contact syncs. One engine serves all tenants; every run is
// scoped by user id.
type Engine struct {
	db     *storage.DB
	judge  llm.Judge
	logger *slog.Logger
}

// NewEngine creates a sync engine. judge may not be nil; use llm.MockJudge
// when no LLM is configured.
func NewEngine(db *storage.DB, judge llm.Judge, logger *slog.Logger) *Engine {
	return &Engine{db: db, judge: judge, logger: logger}
}

// Sync reconciles the tenant's person entities with the provider.
func (e *Engine) Sync(ctx context.Context, userID uuid.UUID, provider Provider, opts Options) (Summary, error) {
	opts.fillDefaults()
	summary := Summary{DryRun: opts.DryRun}

	locals, err := e.loadPersons(ctx, userID)
	if err != nil {
		return summary, err
	}
	m := newMatcher(locals)

	total, err := provider.Count(ctx)
	if err != nil {
		return summary, fmt.Errorf("contacts: count remote: %w", err)
	}
	// Above the cap, unmatched remotes are deduplicated and imported after
	// every batch instead of accumulating for one pass at the end, so the
	// engine never holds more than one batch plus the cap in memory.
	// Duplicate cards split across batches are caught by the provider-uid
	// guard in importContact.
	streaming := total > opts.StreamCap
	if streaming {
		e.logger.Info("contacts: remote set exceeds stream cap, flushing per batch",
			"user_id", userID, "total", total, "cap", opts.StreamCap)
	}

	matchedLocal := map[uuid.UUID]bool{}
	var unmatched []Contact

	// flushUnmatched judges the pending unmatched remotes against locals
	// and each other, imports the survivors, and empties the slice.
	flushUnmatched := func() {
		if len(unmatched) == 0 {
			return
		}
		remaining := e.dedup(ctx, userID, unmatched, locals, opts, &summary)
		if opts.imports() {
			for _, c := range remaining {
				if err := e.importContact(ctx, userID, c, opts, &summary); err != nil {
					summary.fail(fmt.Errorf("import %q: %w", c.FullName, err))
				}
			}
		} else {
			summary.Skipped += len(remaining)
		}
		unmatched = unmatched[:0]
	}

	done := 0
	for offset := 0; offset < total; offset += opts.BatchSize {
		batch, err := e.listWithRetry(ctx, provider, offset, opts.BatchSize)
		if err != nil {
			return summary, fmt.Errorf("contacts: list remote at offset %d: %w", offset, err)
		}
		if len(batch) == 0 {
			break
		}

		for _, c := range batch {
			local, kind := m.match(c)
			if local == nil {
				unmatched = append(unmatched, c)
				continue
			}
			matchedLocal[local.ID] = true
			summary.countMatch(kind)
			if err := e.syncPair(ctx, userID, provider, local, c, opts, &summary); err != nil {
				summary.fail(fmt.Errorf("sync %q: %w", c.FullName, err))
			}
		}

		done += len(batch)
		if opts.Progress != nil {
			opts.Progress(done, total)
		}
		if streaming {
			flushUnmatched()
		}
	}

	flushUnmatched()

	if opts.exports() {
		for i := range locals {
			l := &locals[i]
			if matchedLocal[l.ID] || l.ProviderUID() != "" {
				continue
			}
			if err := e.exportEntity(ctx, userID, provider, l, opts, &summary); err != nil {
				summary.fail(fmt.Errorf("export %q: %w", l.Name, err))
			}
		}
	}

	return summary, nil
}

func (s *Summary) countMatch(kind MatchKind) {
	switch kind {
	case MatchByUID:
		s.MatchedByUID++
	case MatchByEmail:
		s.MatchedByEmail++
	case MatchByPhone:
		s.MatchedByPhone++
	case MatchByName:
		s.MatchedByName++
	}
}

// loadPersons pages the tenant's person entities out of the store.
func (e *Engine) loadPersons(ctx context.Context, userID uuid.UUID) ([]model.Entity, error) {
	const page = 200
	person := model.EntityPerson
	var out []model.Entity
	for offset := 0; ; offset += page {
		batch, err := e.db.ListEntities(ctx, userID, model.EntityFilter{
			EntityType: &person,
			Limit:      page,
			Offset:     offset,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < page {
			return out, nil
		}
	}
}

// listWithRetry honors provider rate limits: a retryable error with a
// retry-after is waited out, up to three attempts.
func (e *Engine) listWithRetry(ctx context.Context, provider Provider, offset, limit int) ([]Contact, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		batch, err := provider.List(ctx, offset, limit)
		if err == nil {
			return batch, nil
		}
		lastErr = err

		var re *model.RetryableError
		if !errors.As(err, &re) {
			return nil, err
		}
		wait := re.RetryAfter
		if wait <= 0 {
			wait = time.Second << attempt
		}
		e.logger.Debug("contacts: provider rate limited, backing off", "offset", offset, "wait", wait)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, lastErr
}

// syncPair reconciles one matched (entity, contact) pair per the conflict
// policy.
func (e *Engine) syncPair(ctx context.Context, userID uuid.UUID, provider Provider, local *model.Entity, remote Contact, opts Options, summary *Summary) error {
	localNewer := local.UpdatedAt.After(remote.UpdatedAt)

	writeLocal := func(patch model.EntityPatch) error {
		if opts.DryRun {
			summary.Updated++
			return nil
		}
		updated, err := e.db.UpdateEntity(ctx, local.ID, userID, patch)
		if err != nil {
			return err
		}
		*local = updated
		summary.Updated++
		return nil
	}
	writeRemote := func(c Contact) error {
		if opts.DryRun {
			summary.Updated++
			return nil
		}
		if _, err := provider.Upsert(ctx, c); err != nil {
			return err
		}
		summary.Updated++
		return nil
	}

	switch opts.Conflict {
	case ConflictNewest:
		if localNewer && opts.exports() {
			return writeRemote(entityToContact(*local, remote.UID))
		}
		if !localNewer && opts.imports() {
			return writeLocal(contactPatch(remote, local))
		}
	case ConflictOldest:
		// The older side is authoritative; overwrite the newer one.
		if localNewer && opts.imports() {
			return writeLocal(contactPatch(remote, local))
		}
		if !localNewer && opts.exports() {
			return writeRemote(entityToContact(*local, remote.UID))
		}
	case ConflictMerge:
		merged := mergeFields(*local, remote, localNewer)
		if opts.imports() {
			if err := writeLocal(merged); err != nil {
				return err
			}
		}
		if opts.exports() {
			return writeRemote(entityToContact(*local, remote.UID))
		}
	default:
		return fmt.Errorf("contacts: unknown conflict policy %q: %w", opts.Conflict, model.ErrInvalidArgument)
	}

	summary.Skipped++
	return nil
}

// dedup shortlists unmatched remotes against locals and each other by the
// heuristic pre-score, then lets the judge rule. Confident verdicts merge
// (when auto-merge is on); everything else is reported only. Returns the
// remotes still slated for import.
func (e *Engine) dedup(ctx context.Context, userID uuid.UUID, remotes []Contact, locals []model.Entity, opts Options, summary *Summary) []Contact {
	var keep []Contact

	absorbed := map[int]bool{}
	for i, c := range remotes {
		if absorbed[i] {
			continue
		}

		// Against local persons.
		mergedIntoLocal := false
		for li := range locals {
			l := &locals[li]
			lc := entityToContact(*l, "")
			if Similarity(c, lc) < opts.PreThreshold {
				continue
			}
			verdict, err := e.judge.JudgeDuplicate(ctx, cardFromContact(c), cardFromEntity(*l))
			if err != nil {
				summary.fail(fmt.Errorf("judge %q: %w", c.FullName, err))
				continue
			}
			if !verdict.Duplicate {
				continue
			}
			summary.DuplicatesFound++
			if verdict.Confidence < opts.JudgeThreshold || !opts.AutoMerge {
				e.logger.Info("contacts: duplicate below merge bar, reported only",
					"contact", c.FullName, "confidence", verdict.Confidence, "reason", verdict.Reason)
				continue
			}
			if err := e.mergeRemoteIntoLocal(ctx, userID, c, l, opts); err != nil {
				summary.fail(fmt.Errorf("merge %q: %w", c.FullName, err))
				continue
			}
			summary.Merged++
			mergedIntoLocal = true
			break
		}
		if mergedIntoLocal {
			continue
		}

		// Against the remaining unmatched remotes: keep the first card,
		// absorb confident duplicates into it before import.
		for j := i + 1; j < len(remotes); j++ {
			if absorbed[j] {
				continue
			}
			if Similarity(c, remotes[j]) < opts.PreThreshold {
				continue
			}
			verdict, err := e.judge.JudgeDuplicate(ctx, cardFromContact(c), cardFromContact(remotes[j]))
			if err != nil {
				summary.fail(fmt.Errorf("judge %q: %w", remotes[j].FullName, err))
				continue
			}
			if !verdict.Duplicate {
				continue
			}
			summary.DuplicatesFound++
			if verdict.Confidence >= opts.JudgeThreshold && opts.AutoMerge {
				absorbed[j] = true
				c = absorbContact(c, remotes[j])
				summary.Merged++
			}
		}
		keep = append(keep, c)
	}
	return keep
}

// mergeRemoteIntoLocal folds a judged-duplicate remote card into an existing
// entity and records the provider uid for future UID matching.
func (e *Engine) mergeRemoteIntoLocal(ctx context.Context, userID uuid.UUID, c Contact, local *model.Entity, opts Options) error {
	if opts.DryRun {
		return nil
	}
	patch := mergeFields(*local, c, local.UpdatedAt.After(c.UpdatedAt))
	meta := map[string]any{}
	for k, v := range local.Metadata {
		meta[k] = v
	}
	if c.UID != "" {
		meta[model.MetaProviderUID] = c.UID
	}
	patch.Metadata = meta
	updated, err := e.db.UpdateEntity(ctx, local.ID, userID, patch)
	if err != nil {
		return err
	}
	*local = updated
	return nil
}

func (e *Engine) importContact(ctx context.Context, userID uuid.UUID, c Contact, opts Options, summary *Summary) error {
	if c.FullName == "" && c.PrimaryEmail() == "" {
		summary.Skipped++
		return nil
	}
	if opts.DryRun {
		summary.Imported++
		return nil
	}
	if c.UID != "" {
		// A card whose uid already landed, in an earlier batch or a
		// previous run, must not create a second entity.
		if _, err := e.db.FindEntityByProviderUID(ctx, userID, c.UID); err == nil {
			summary.Skipped++
			return nil
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	ent := contactToEntity(userID, c)
	if _, err := e.db.CreateEntity(ctx, ent); err != nil {
		return err
	}
	summary.Imported++
	return nil
}

func (e *Engine) exportEntity(ctx context.Context, userID uuid.UUID, provider Provider, local *model.Entity, opts Options, summary *Summary) error {
	if opts.DryRun {
		summary.Exported++
		return nil
	}
	res, err := provider.Upsert(ctx, entityToContact(*local, ""))
	if err != nil {
		return err
	}
	meta := map[string]any{}
	for k, v := range local.Metadata {
		meta[k] = v
	}
	meta[model.MetaProviderUID] = res.UID
	if _, err := e.db.UpdateEntity(ctx, local.ID, userID, model.EntityPatch{Metadata: meta}); err != nil {
		return err
	}
	summary.Exported++
	return nil
}

// entityToContact renders an entity as a provider card. uid keeps the
// remote's own id on updates; the entity id always rides along in Extra so
// the card round-trips.
func entityToContact(e model.Entity, uid string) Contact {
	if uid == "" {
		uid = e.ProviderUID()
	}
	c := Contact{
		UID:        uid,
		FullName:   e.Name,
		First:      e.FirstName,
		Last:       e.LastName,
		Org:        e.Company,
		Title:      e.Title,
		Notes:      e.Notes,
		Categories: e.Tags,
		Extra:      map[string]string{UIDField: e.ID.String()},
		UpdatedAt:  e.UpdatedAt,
	}
	if e.Email != "" {
		c.Emails = []string{e.Email}
	}
	if e.Phone != "" {
		c.Phones = []string{e.Phone}
	}
	if e.Address != "" {
		c.Addresses = []string{e.Address}
	}
	return c
}

func contactToEntity(userID uuid.UUID, c Contact) model.Entity {
	name := c.FullName
	if name == "" {
		name = strings.TrimSpace(c.First + " " + c.Last)
	}
	if name == "" {
		name = c.PrimaryEmail()
	}
	meta := map[string]any{}
	if c.UID != "" {
		meta[model.MetaProviderUID] = c.UID
	}
	return model.Entity{
		UserID:     userID,
		EntityType: model.EntityPerson,
		Name:       name,
		FirstName:  c.First,
		LastName:   c.Last,
		Company:    c.Org,
		Title:      c.Title,
		Email:      c.PrimaryEmail(),
		Phone:      c.PrimaryPhone(),
		Address:    firstOf(c.Addresses),
		Notes:      c.Notes,
		Tags:       c.Categories,
		Importance: 0.5,
		Metadata:   meta,
	}
}

// contactPatch overwrites the entity's card fields with the remote's values.
// Used for newest/oldest overwrite resolution.
func contactPatch(c Contact, local *model.Entity) model.EntityPatch {
	name := c.FullName
	if name == "" {
		name = local.Name
	}
	email := c.PrimaryEmail()
	phone := c.PrimaryPhone()
	addr := firstOf(c.Addresses)
	meta := map[string]any{}
	for k, v := range local.Metadata {
		meta[k] = v
	}
	if c.UID != "" {
		meta[model.MetaProviderUID] = c.UID
	}
	return model.EntityPatch{
		Name:      &name,
		FirstName: &c.First,
		LastName:  &c.Last,
		Company:   &c.Org,
		Title:     &c.Title,
		Email:     &email,
		Phone:     &phone,
		Address:   &addr,
		Notes:     &c.Notes,
		Tags:      c.Categories,
		Metadata:  meta,
	}
}

// mergeFields unions non-empty fields, the newer side winning where both are
// set. Diverging notes keep both texts: the newer first, the older appended
// under a dated marker, so merge never silently drops what someone wrote.
func mergeFields(local model.Entity, remote Contact, localNewer bool) model.EntityPatch {
	pick := func(l, r string) *string {
		v := l
		switch {
		case l == "":
			v = r
		case r == "":
			v = l
		case localNewer:
			v = l
		default:
			v = r
		}
		return &v
	}

	patch := model.EntityPatch{
		Name:      pick(local.Name, remote.FullName),
		FirstName: pick(local.FirstName, remote.First),
		LastName:  pick(local.LastName, remote.Last),
		Company:   pick(local.Company, remote.Org),
		Title:     pick(local.Title, remote.Title),
		Email:     pick(local.Email, remote.PrimaryEmail()),
		Phone:     pick(local.Phone, remote.PrimaryPhone()),
		Address:   pick(local.Address, firstOf(remote.Addresses)),
	}

	notes := mergeNotes(local.Notes, remote.Notes, localNewer)
	patch.Notes = &notes

	patch.Tags = unionStrings(local.Tags, remote.Categories)
	return patch
}

func mergeNotes(localNotes, remoteNotes string, localNewer bool) string {
	l, r := strings.TrimSpace(localNotes), strings.TrimSpace(remoteNotes)
	switch {
	case l == "":
		return r
	case r == "" || l == r:
		return l
	}
	newer, older := l, r
	if !localNewer {
		newer, older = r, l
	}
	return fmt.Sprintf("%s\n\n[merged %s]\n%s", newer, time.Now().UTC().Format("2006-01-02"), older)
}

// absorbContact folds a duplicate card into the kept one, filling gaps and
// unioning the multi-value fields.
func absorbContact(keep, dup Contact) Contact {
	if keep.FullName == "" {
		keep.FullName = dup.FullName
	}
	if keep.First == "" {
		keep.First = dup.First
	}
	if keep.Last == "" {
		keep.Last = dup.Last
	}
	if keep.Org == "" {
		keep.Org = dup.Org
	}
	if keep.Title == "" {
		keep.Title = dup.Title
	}
	keep.Emails = unionFold(keep.Emails, dup.Emails, strings.ToLower)
	keep.Phones = unionFold(keep.Phones, dup.Phones, NormalizePhone)
	keep.Addresses = unionStrings(keep.Addresses, dup.Addresses)
	keep.Categories = unionStrings(keep.Categories, dup.Categories)
	keep.Notes = mergeNotes(keep.Notes, dup.Notes, keep.UpdatedAt.After(dup.UpdatedAt))
	return keep
}

func unionStrings(a, b []string) []string {
	return unionFold(a, b, func(s string) string { return s })
}

func unionFold(a, b []string, norm func(string) string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		k := norm(s)
		if s == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, s)
	}
	return out
}

func firstOf(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}

func cardFromContact(c Contact) llm.Card {
	return llm.Card{
		Name:    c.FullName,
		Email:   c.PrimaryEmail(),
		Phone:   c.PrimaryPhone(),
		Company: c.Org,
		Title:   c.Title,
	}
}

func cardFromEntity(e model.Entity) llm.Card {
	return llm.Card{
		Name:    e.Name,
		Email:   e.Email,
		Phone:   e.Phone,
		Company: e.Company,
		Title:   e.Title,
	}
}
