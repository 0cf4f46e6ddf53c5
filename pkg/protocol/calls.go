// pkg/protocol/calls.go
package protocol

// Call names one daemon operation. The set is closed: Valid reports whether a
// name belongs to it.
type Call string

// Calls available to consumers of the endpoint.
const (
	CallGetDeviceDetails   Call = "getDeviceDetails"
	CallGetComponentList   Call = "getComponentList"
	CallGetComponent       Call = "getComponent"
	CallGetExtensions      Call = "getExtensions"
	CallStartComponent     Call = "startComponent"
	CallStopComponent      Call = "stopComponent"
	CallReinstallComponent Call = "reinstallComponent"
	CallGetConfig          Call = "getConfig"
	CallUpdateConfig       Call = "updateConfig"
	CallListClientDevices  Call = "listClientDevices"
	CallPublishToPubSub    Call = "publishToPubSubTopic"
	CallPlugin             Call = "pluginCall"

	CallSubscribeToComponentList     Call = "subscribeToComponentList"
	CallUnsubscribeToComponentList   Call = "unsubscribeToComponentList"
	CallSubscribeToDependencyGraph   Call = "subscribeToDependencyGraph"
	CallUnsubscribeToDependencyGraph Call = "unsubscribeToDependencyGraph"
	CallSubscribeToComponent         Call = "subscribeToComponent"
	CallUnsubscribeToComponent       Call = "unsubscribeToComponent"
	CallSubscribeToComponentLogs     Call = "subscribeToComponentLogs"
	CallUnsubscribeToComponentLogs   Call = "unsubscribeToComponentLogs"
	CallSubscribeToLogList           Call = "subscribeToLogList"
	CallUnsubscribeToLogList         Call = "unsubscribeToLogList"
	CallSubscribeToPubSubTopic       Call = "subscribeToPubSubTopic"
	CallUnsubscribeToPubSubTopic     Call = "unsubscribeToPubSubTopic"
)

// Internal calls are reserved for endpoint bookkeeping and are never accepted
// from consumers.
const (
	CallInit                     Call = "init"
	CallForcePushComponentList   Call = "forcePushComponentList"
	CallForcePushDependencyGraph Call = "forcePushDependencyGraph"
	CallForcePushLogList         Call = "forcePushLogList"
	CallPing                     Call = "ping"
)

type callKind int

const (
	kindUnary callKind = iota
	kindSubscribe
	kindUnsubscribe
	kindInternal
)

type callInfo struct {
	kind callKind
	// pair links a subscribe call to its unsubscribe call and back.
	pair Call
	// forcePush is the internal call that makes the daemon re-send the
	// current snapshot of a list-style stream.
	forcePush Call
}

var calls = map[Call]callInfo{
	CallGetDeviceDetails:   {kind: kindUnary},
	CallGetComponentList:   {kind: kindUnary},
	CallGetComponent:       {kind: kindUnary},
	CallGetExtensions:      {kind: kindUnary},
	CallStartComponent:     {kind: kindUnary},
	CallStopComponent:      {kind: kindUnary},
	CallReinstallComponent: {kind: kindUnary},
	CallGetConfig:          {kind: kindUnary},
	CallUpdateConfig:       {kind: kindUnary},
	CallListClientDevices:  {kind: kindUnary},
	CallPublishToPubSub:    {kind: kindUnary},
	CallPlugin:             {kind: kindUnary},

	CallSubscribeToComponentList:     {kind: kindSubscribe, pair: CallUnsubscribeToComponentList, forcePush: CallForcePushComponentList},
	CallUnsubscribeToComponentList:   {kind: kindUnsubscribe, pair: CallSubscribeToComponentList},
	CallSubscribeToDependencyGraph:   {kind: kindSubscribe, pair: CallUnsubscribeToDependencyGraph, forcePush: CallForcePushDependencyGraph},
	CallUnsubscribeToDependencyGraph: {kind: kindUnsubscribe, pair: CallSubscribeToDependencyGraph},
	CallSubscribeToComponent:         {kind: kindSubscribe, pair: CallUnsubscribeToComponent},
	CallUnsubscribeToComponent:       {kind: kindUnsubscribe, pair: CallSubscribeToComponent},
	CallSubscribeToComponentLogs:     {kind: kindSubscribe, pair: CallUnsubscribeToComponentLogs},
	CallUnsubscribeToComponentLogs:   {kind: kindUnsubscribe, pair: CallSubscribeToComponentLogs},
	CallSubscribeToLogList:           {kind: kindSubscribe, pair: CallUnsubscribeToLogList, forcePush: CallForcePushLogList},
	CallUnsubscribeToLogList:         {kind: kindUnsubscribe, pair: CallSubscribeToLogList},
	CallSubscribeToPubSubTopic:       {kind: kindSubscribe, pair: CallUnsubscribeToPubSubTopic},
	CallUnsubscribeToPubSubTopic:     {kind: kindUnsubscribe, pair: CallSubscribeToPubSubTopic},

	CallInit:                     {kind: kindInternal},
	CallForcePushComponentList:   {kind: kindInternal},
	CallForcePushDependencyGraph: {kind: kindInternal},
	CallForcePushLogList:         {kind: kindInternal},
	CallPing:                     {kind: kindInternal},
}

// Valid reports whether c is part of the call enumeration.
func (c Call) Valid() bool {
	_, ok := calls[c]
	return ok
}

// IsInternal reports whether c is reserved for endpoint bookkeeping.
func (c Call) IsInternal() bool {
	return c.Valid() && calls[c].kind == kindInternal
}

// IsSubscribe reports whether c establishes a server-side subscription.
func (c Call) IsSubscribe() bool {
	return c.Valid() && calls[c].kind == kindSubscribe
}

// IsUnsubscribe reports whether c tears down a server-side subscription.
func (c Call) IsUnsubscribe() bool {
	return c.Valid() && calls[c].kind == kindUnsubscribe
}

// Unsubscribe returns the call that tears down the subscription c establishes.
func (c Call) Unsubscribe() (Call, bool) {
	if !c.IsSubscribe() {
		return "", false
	}
	return calls[c].pair, true
}

// Subscribe returns the call that establishes the subscription c tears down.
func (c Call) Subscribe() (Call, bool) {
	if !c.IsUnsubscribe() {
		return "", false
	}
	return calls[c].pair, true
}

// ForcePush returns the internal call that re-sends the current snapshot for
// the stream c subscribes to, if the stream has one.
func (c Call) ForcePush() (Call, bool) {
	info, ok := calls[c]
	if !ok || info.forcePush == "" {
		return "", false
	}
	return info.forcePush, true
}

func (c Call) String() string { return string(c) }
