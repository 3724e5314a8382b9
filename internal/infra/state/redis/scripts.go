package redisstate

import "github.com/go-redis/redis/v8"

// 数据树在 Redis 中的布局:
//   {prefix}n:{path}  叶子值 (JSON 字符串)
//   {prefix}c:{path}  直接子节点名集合
// 子节点集合由下面的脚本维护，保证写入/删除与索引更新是原子的。
//
// 脚本在 KEYS 中声明 path 自身的键；祖先与子树的键在脚本内由前缀推导，
// 数量事先无法确定。因此存储只支持单节点 Redis (或所有键落在同一 slot 的部署)。

// luaLink 把 path 逐级登记到各祖先的子节点集合
const luaLink = `
local function link(prefix, path)
  local p = path
  while true do
    local idx = string.find(p, '/[^/]*$')
    if not idx or idx == 1 then break end
    local parent = string.sub(p, 1, idx - 1)
    redis.call('SADD', prefix .. 'c:' .. parent, string.sub(p, idx + 1))
    p = parent
  end
end
`

// luaWalk 递归删除 path 子树，删除过的路径追加到 removed
const luaWalk = `
local function walk(prefix, path, removed)
  local ck = prefix .. 'c:' .. path
  for _, k in ipairs(redis.call('SMEMBERS', ck)) do
    walk(prefix, path .. '/' .. k, removed)
  end
  if redis.call('DEL', prefix .. 'n:' .. path, ck) > 0 then
    table.insert(removed, path)
  end
end
`

// luaUnlink 从父节点集合中摘除 path，并向上清理变空的纯父节点
const luaUnlink = `
local function unlink(prefix, path)
  local p = path
  while true do
    local idx = string.find(p, '/[^/]*$')
    if not idx or idx == 1 then break end
    local parent = string.sub(p, 1, idx - 1)
    redis.call('SREM', prefix .. 'c:' .. parent, string.sub(p, idx + 1))
    if redis.call('SCARD', prefix .. 'c:' .. parent) > 0 or redis.call('EXISTS', prefix .. 'n:' .. parent) == 1 then break end
    p = parent
  end
end
`

// KEYS: node; ARGV: prefix, path, value
var setScript = redis.NewScript(luaLink + `
redis.call('SET', KEYS[1], ARGV[3])
link(ARGV[1], ARGV[2])
return 1
`)

// KEYS: node, children; ARGV: prefix, path；返回被删除的路径
var removeScript = redis.NewScript(luaWalk + luaUnlink + `
local removed = {}
walk(ARGV[1], ARGV[2], removed)
unlink(ARGV[1], ARGV[2])
return removed
`)

// KEYS: node, children; ARGV: prefix, path, k1, v1, k2, v2 ...；返回变化的路径
var replaceChildrenScript = redis.NewScript(luaLink + luaWalk + luaUnlink + `
local prefix, path = ARGV[1], ARGV[2]
local changed = {}
local ck = KEYS[2]
for _, k in ipairs(redis.call('SMEMBERS', ck)) do
  walk(prefix, path .. '/' .. k, changed)
end
redis.call('DEL', ck)
for i = 3, #ARGV, 2 do
  local child = path .. '/' .. ARGV[i]
  redis.call('SET', prefix .. 'n:' .. child, ARGV[i + 1])
  link(prefix, child)
  table.insert(changed, child)
end
if #ARGV < 3 and redis.call('EXISTS', KEYS[1]) == 0 then
  unlink(prefix, path)
end
return changed
`)
