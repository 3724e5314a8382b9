package domain

// 存储中的逻辑路径:
//
//	rooms/{code}/meta
//	rooms/{code}/participants/{uid}
//	rooms/{code}/cohosts/{uid}
//	rooms/{code}/list/{itemKey}
//	rooms/{code}/spin
const RoomsRoot = "rooms"

func RoomPath(code string) string         { return RoomsRoot + "/" + code }
func MetaPath(code string) string         { return RoomPath(code) + "/meta" }
func ParticipantsPath(code string) string { return RoomPath(code) + "/participants" }
func CohostsPath(code string) string      { return RoomPath(code) + "/cohosts" }
func ListPath(code string) string         { return RoomPath(code) + "/list" }
func SpinPath(code string) string         { return RoomPath(code) + "/spin" }

func ParticipantPath(code, uid string) string { return ParticipantsPath(code) + "/" + uid }
func CohostPath(code, uid string) string      { return CohostsPath(code) + "/" + uid }
