// Package platformtest provides an in-memory Transport that records calls.
package platformtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chatguard/internal/model"
	"chatguard/internal/platform"
)

// Call is one recorded transport call.
type Call struct {
	Method  string
	ChatID  int64
	UserID  int64
	Ref     model.MessageRef
	Until   time.Time
	Message platform.OutgoingMessage
}

type Fake struct {
	mu     sync.Mutex
	calls  []Call
	nextID int64
	// Errors maps a method name to the error it returns.
	Errors map[string]error
	Info   map[int64]platform.ChatInfo
	Files  map[string][]byte

	blocked map[string]bool
	hooks   map[string]func()
}

func New() *Fake {
	return &Fake{
		nextID: 1000,
		Errors: make(map[string]error),
		Info:   make(map[int64]platform.ChatInfo),
		Files:  make(map[string][]byte),

		blocked: make(map[string]bool),
		hooks:   make(map[string]func()),
	}
}

func (f *Fake) record(c Call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	return f.Errors[c.Method]
}

// Block makes method hang until its context is done.
func (f *Fake) Block(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked[method] = true
}

// OnCall runs fn inside every later call of method, before it returns.
func (f *Fake) OnCall(method string, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks[method] = fn
}

func (f *Fake) wait(ctx context.Context, method string) error {
	f.mu.Lock()
	blocked, hook := f.blocked[method], f.hooks[method]
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if !blocked {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

// Fail makes method return err from now on.
func (f *Fake) Fail(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Errors[method] = err
}

func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Methods lists recorded method names in call order.
func (f *Fake) Methods() []string {
	calls := f.Calls()
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.Method)
	}
	return out
}

func (f *Fake) Count(method string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (f *Fake) Last(method string) (Call, bool) {
	calls := f.Calls()
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i].Method == method {
			return calls[i], true
		}
	}
	return Call{}, false
}

func (f *Fake) newRef(chatID int64) model.MessageRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return model.MessageRef{ChatID: chatID, MessageID: f.nextID}
}

func (f *Fake) SendMessage(ctx context.Context, msg platform.OutgoingMessage) (model.MessageRef, error) {
	if err := f.record(Call{Method: "send", ChatID: msg.To.ChatID, Message: msg}); err != nil {
		return model.MessageRef{}, err
	}
	if err := f.wait(ctx, "send"); err != nil {
		return model.MessageRef{}, err
	}
	return f.newRef(msg.To.ChatID), nil
}

func (f *Fake) DeleteMessage(ctx context.Context, ref model.MessageRef) error {
	return f.record(Call{Method: "delete", ChatID: ref.ChatID, Ref: ref})
}

func (f *Fake) RestrictMember(ctx context.Context, chatID, userID int64, until time.Time) error {
	return f.record(Call{Method: "restrict", ChatID: chatID, UserID: userID, Until: until})
}

func (f *Fake) BanMember(ctx context.Context, chatID, userID int64, until time.Time) error {
	return f.record(Call{Method: "ban", ChatID: chatID, UserID: userID, Until: until})
}

func (f *Fake) UnbanMember(ctx context.Context, chatID, userID int64) error {
	return f.record(Call{Method: "unban", ChatID: chatID, UserID: userID})
}

func (f *Fake) EditMessageMarkup(ctx context.Context, ref model.MessageRef, keyboard platform.Keyboard) error {
	return f.record(Call{Method: "edit_markup", ChatID: ref.ChatID, Ref: ref})
}

func (f *Fake) ForwardMessage(ctx context.Context, to platform.Destination, ref model.MessageRef) (model.MessageRef, error) {
	if err := f.record(Call{Method: "forward", ChatID: to.ChatID, Ref: ref}); err != nil {
		return model.MessageRef{}, err
	}
	return f.newRef(to.ChatID), nil
}

func (f *Fake) GetChatInfo(ctx context.Context, userID int64) (platform.ChatInfo, error) {
	if err := f.record(Call{Method: "chat_info", UserID: userID}); err != nil {
		return platform.ChatInfo{}, err
	}
	if err := f.wait(ctx, "chat_info"); err != nil {
		return platform.ChatInfo{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Info[userID], nil
}

func (f *Fake) DownloadFile(ctx context.Context, ref string) ([]byte, error) {
	if err := f.record(Call{Method: "download"}); err != nil {
		return nil, err
	}
	if err := f.wait(ctx, "download"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.Files[ref]
	if !ok {
		return nil, fmt.Errorf("file %q not found", ref)
	}
	return data, nil
}

func (f *Fake) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return f.record(Call{Method: "answer_callback", Message: platform.OutgoingMessage{Text: text}})
}

var _ platform.Transport = (*Fake)(nil)
