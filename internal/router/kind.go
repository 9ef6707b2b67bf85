package router

// Kind is a recognized command.
type Kind int

const (
	KindAddUser Kind = iota + 1
	KindDeleteUser
	KindReplaceUser
	KindFindUser
	KindGetExistingUsers
	KindIsLoggedIn
	KindFindUnusedPort
	KindStartGateway
	KindGetAllAccounts
	KindGetAccountInfo
	KindSubscribeGUIUpdates
	KindGetAllPositions
	KindGetAllOrders
	KindCreatePosition
	KindModifyPosition
	KindDeletePosition
	KindCreateOrder
	KindModifyOrder
	KindDeleteOrder
)

var kindNames = map[Kind]string{
	KindAddUser:             "add_user",
	KindDeleteUser:          "delete_user",
	KindReplaceUser:         "replace_user",
	KindFindUser:            "find_user",
	KindGetExistingUsers:    "get_existing_users",
	KindIsLoggedIn:          "isLoggedIn",
	KindFindUnusedPort:      "findUnusedPort",
	KindStartGateway:        "_start_gateway",
	KindGetAllAccounts:      "getAllAccounts",
	KindGetAccountInfo:      "getAccountInfo",
	KindSubscribeGUIUpdates: "_subscribe_gui_updates",
	KindGetAllPositions:     "_get_all_positions",
	KindGetAllOrders:        "_get_all_orders",
	KindCreatePosition:      "createPosition",
	KindModifyPosition:      "modifyPosition",
	KindDeletePosition:      "deletePosition",
	KindCreateOrder:         "createOrder",
	KindModifyOrder:         "modifyOrder",
	KindDeleteOrder:         "deleteOrder",
}

var kindsByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, name := range kindNames {
		m[name] = k
	}
	return m
}()

// ParseKind maps a wire command name to its Kind.
func ParseKind(cmd string) (Kind, bool) {
	k, ok := kindsByName[cmd]
	return k, ok
}

// Kinds returns every recognized kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(kindNames))
	for k := KindAddUser; k <= KindDeleteOrder; k++ {
		out = append(out, k)
	}
	return out
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Targeted reports whether the command runs against a session resolved
// from broker_id (or the parent session).
func (k Kind) Targeted() bool {
	switch k {
	case KindAddUser, KindDeleteUser, KindReplaceUser, KindFindUser,
		KindGetExistingUsers, KindFindUnusedPort:
		return false
	}
	return true
}

// dropsFirstArg reports whether args[0] is a routing value the session
// operation does not take.
func (k Kind) dropsFirstArg() bool {
	switch k {
	case KindGetAccountInfo, KindSubscribeGUIUpdates, KindGetAllPositions,
		KindGetAllOrders, KindCreatePosition, KindModifyPosition,
		KindDeletePosition, KindCreateOrder, KindModifyOrder, KindDeleteOrder:
		return true
	}
	return false
}
